// Package testutil provides deterministic fakes for parley's external
// collaborators: the embedding service, generation backends, and the
// similarity index.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// ErrEmbedderDown is returned by a MockEmbedder put into failing mode.
var ErrEmbedderDown = errors.New("embedder unavailable")

// MockEmbedder provides deterministic embedding vectors for testing.
//
// By default it derives a unit vector from the content hash. Explicit
// mappings can be registered for precise similarity control.
//
// Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	fail    bool
	calls   int
}

// NewMockEmbedder creates a mock embedder producing vectors of the given
// dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		vectors: make(map[string][]float32),
		dim:     dim,
	}
}

// SetVector registers an explicit vector for a content string.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// Fail switches the embedder into failing mode (or back).
func (e *MockEmbedder) Fail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

// Calls reports how many Embed calls were made.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed implements embedding.Embedder.
func (e *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if e.fail {
		return nil, ErrEmbedderDown
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return hashVector(text, e.dim), nil
}

// hashVector derives a deterministic unit vector from content.
func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)

	var norm float64
	for i := range vec {
		// Cycle through the digest in 4-byte windows.
		off := (i * 4) % (len(sum) - 4)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
