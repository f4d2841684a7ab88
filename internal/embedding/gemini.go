package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	// DefaultGeminiModel is the default Gemini embedding model.
	// gemini-embedding-001 outputs 3072 dimensions by default but supports
	// truncation via OutputDimensionality; the pgvector schema stores 768.
	DefaultGeminiModel = "gemini-embedding-001"

	// Dimension is the vector width stored in the similarity index.
	// Must match the vector(768) column in db/migrations.
	Dimension = 768
)

// GeminiEmbedder generates embeddings with the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed embedder. Empty model uses
// DefaultGeminiModel.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiEmbedder{client: client, model: model}, nil
}

// Embed implements Embedder.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			OutputDimensionality: genai.Ptr[int32](Dimension),
		})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Embeddings[0].Values, nil
}
