// Package embedding turns text into vectors via an external embedding
// service. The service is consumed as an opaque single-request call; retry
// policy belongs to callers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyEmbedding indicates the service returned no vector for the input.
var ErrEmptyEmbedding = errors.New("empty embedding returned")

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 15 * time.Second

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// WithTimeout wraps an Embedder so every call carries a bounded deadline.
// A zero timeout uses DefaultTimeout.
func WithTimeout(e Embedder, timeout time.Duration) Embedder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutEmbedder{inner: e, timeout: timeout}
}

type timeoutEmbedder struct {
	inner   Embedder
	timeout time.Duration
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	vec, err := t.inner.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding timeout after %s: %w", t.timeout, err)
		}
		return nil, err
	}
	return vec, nil
}
