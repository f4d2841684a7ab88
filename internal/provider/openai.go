package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAI shapes requests as chat-style role arrays: system prompt first,
// then history turns, then the current user input.
type openAI struct {
	client openai.Client
	model  string
}

func newOpenAI(cfg Config) (*openAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai API key is required", ErrUnknownProvider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: openai model is required", ErrUnknownProvider)
	}
	return &openAI{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// Generate implements Provider.
func (p *openAI) Generate(ctx context.Context, req Request) (Result, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: shapeOpenAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, &BackendError{Provider: NameOpenAI, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Result{}, &BackendError{Provider: NameOpenAI, Err: ErrEmptyResponse}
	}

	return Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: clampTokens(resp.Usage.TotalTokens),
	}, nil
}

// shapeOpenAIMessages builds the role array for the chat completions API.
func shapeOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	msgs = append(msgs, openai.SystemMessage(effectiveSystem(req)))

	for _, t := range req.History {
		switch t.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}

	msgs = append(msgs, openai.UserMessage(req.UserInput))
	return msgs
}
