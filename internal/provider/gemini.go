package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// gemini shapes requests as a system instruction plus a content turn list.
type gemini struct {
	client *genai.Client
	model  string
}

func newGemini(ctx context.Context, cfg Config) (*gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required", ErrUnknownProvider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: gemini model is required", ErrUnknownProvider)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &gemini{client: client, model: cfg.Model}, nil
}

// Generate implements Provider.
func (p *gemini) Generate(ctx context.Context, req Request) (Result, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(effectiveSystem(req), genai.RoleUser),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, shapeGeminiContents(req), config)
	if err != nil {
		return Result{}, &BackendError{Provider: NameGemini, Err: err}
	}

	text := resp.Text()
	if text == "" {
		return Result{}, &BackendError{Provider: NameGemini, Err: ErrEmptyResponse}
	}

	var tokens int64
	if resp.UsageMetadata != nil {
		tokens = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return Result{Content: text, TokensUsed: clampTokens(tokens)}, nil
}

// shapeGeminiContents builds the turn list: history in order, then the
// current user input. Assistant turns map to the model role.
func shapeGeminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		switch t.Role {
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}
	return append(contents, genai.NewContentFromText(req.UserInput, genai.RoleUser))
}
