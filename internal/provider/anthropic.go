package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider shapes requests by prompt concatenation: history folds
// into a Human/Assistant transcript sent as a single user message under a
// system preamble.
type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropic(cfg Config) (*anthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key is required", ErrUnknownProvider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: anthropic model is required", ErrUnknownProvider)
	}
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// Generate implements Provider.
func (p *anthropicProvider) Generate(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// The messages API requires an explicit output budget.
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: effectiveSystem(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(foldTranscript(req.History, req.UserInput))),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, &BackendError{Provider: NameAnthropic, Err: err}
	}
	if len(msg.Content) == 0 {
		return Result{}, &BackendError{Provider: NameAnthropic, Err: ErrEmptyResponse}
	}

	return Result{
		Content:    msg.Content[0].Text,
		TokensUsed: clampTokens(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}
