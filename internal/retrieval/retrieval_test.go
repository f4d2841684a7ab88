package retrieval_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/testutil"
	"github.com/parleyhq/parley/internal/vecstore"
)

// fakeIndex returns scripted hits and records the query it was given.
type fakeIndex struct {
	hits []vecstore.Hit
	err  error
	last vecstore.Query
}

func (f *fakeIndex) Search(_ context.Context, q vecstore.Query) ([]vecstore.Hit, error) {
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func TestRetrieveScoresAndOrder(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []vecstore.Hit{
		{ID: "a", Content: "closest", Distance: 0.1, Metadata: map[string]any{"source": "a.md"}},
		{ID: "b", Content: "middle", Distance: 0.4, Metadata: map[string]any{"source": "b.md"}},
		{ID: "c", Content: "farthest", Distance: 0.9},
	}}
	r := retrieval.New(testutil.NewMockEmbedder(8), index, log.NewNop())

	docs := r.Retrieve(context.Background(), "query", retrieval.Params{Collection: "documents"})
	require.Len(t, docs, 3)

	assert.InDelta(t, 0.9, docs[0].Score, 1e-9)
	assert.InDelta(t, 0.6, docs[1].Score, 1e-9)
	assert.InDelta(t, 0.1, docs[2].Score, 1e-9)
	assert.Equal(t, "a.md", docs[0].Source)
	assert.Equal(t, "unknown", docs[2].Source, "missing source metadata")
	assert.Equal(t, "a", docs[0].ChunkID)
}

func TestRetrieveThreshold(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []vecstore.Hit{
		{ID: "near", Content: "kept", Distance: 0.2},
		{ID: "far", Content: "dropped", Distance: 0.5},
	}}
	r := retrieval.New(testutil.NewMockEmbedder(8), index, log.NewNop())

	docs := r.Retrieve(context.Background(), "query", retrieval.Params{
		Collection:          "documents",
		SimilarityThreshold: 0.7,
	})

	require.Len(t, docs, 1)
	assert.Equal(t, "kept", docs[0].Content)
	assert.InDelta(t, 0.8, docs[0].Score, 1e-9)

	// The threshold also narrows the index query itself.
	assert.InDelta(t, 0.3, index.last.DistanceCeiling, 1e-9)
}

func TestRetrieveScoreClamped(t *testing.T) {
	t.Parallel()

	// Cosine distance runs up to 2.0 for opposite vectors.
	index := &fakeIndex{hits: []vecstore.Hit{
		{ID: "anti", Content: "opposite", Distance: 1.8},
		{ID: "exact", Content: "identical", Distance: 0.0},
	}}
	r := retrieval.New(testutil.NewMockEmbedder(8), index, log.NewNop())

	docs := r.Retrieve(context.Background(), "query", retrieval.Params{Collection: "documents"})
	require.Len(t, docs, 2)
	assert.Equal(t, 0.0, docs[0].Score)
	assert.Equal(t, 1.0, docs[1].Score)
}

func TestRetrieveDefaultsAndPassthrough(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{}
	r := retrieval.New(testutil.NewMockEmbedder(8), index, log.NewNop())

	filters := map[string]any{"owner_id": "user:1"}
	r.Retrieve(context.Background(), "query", retrieval.Params{Collection: "kb", Filters: filters})

	assert.Equal(t, "kb", index.last.Collection)
	assert.Equal(t, retrieval.DefaultTopK, index.last.TopK)
	assert.Equal(t, filters, index.last.Filters)
	assert.NotEmpty(t, index.last.Vector)
}

func TestRetrieveFailuresAbsorbed(t *testing.T) {
	t.Parallel()

	t.Run("embedder down", func(t *testing.T) {
		t.Parallel()
		emb := testutil.NewMockEmbedder(8)
		emb.Fail(true)
		r := retrieval.New(emb, &fakeIndex{hits: []vecstore.Hit{{ID: "a"}}}, log.NewNop())

		docs := r.Retrieve(context.Background(), "query", retrieval.Params{})
		assert.Empty(t, docs)
	})

	t.Run("index down", func(t *testing.T) {
		t.Parallel()
		index := &fakeIndex{err: errors.New("connection refused")}
		r := retrieval.New(testutil.NewMockEmbedder(8), index, log.NewNop())

		docs := r.Retrieve(context.Background(), "query", retrieval.Params{})
		assert.Empty(t, docs)
	})
}

func TestPrepareContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		docs []retrieval.Document
		want string
	}{
		{
			name: "empty",
			docs: nil,
			want: "",
		},
		{
			name: "single",
			docs: []retrieval.Document{{Content: "Refunds take 5 days.", Source: "handbook.md"}},
			want: "Source 1 (handbook.md):\nRefunds take 5 days.",
		},
		{
			name: "multiple with trimming",
			docs: []retrieval.Document{
				{Content: "  first chunk \n", Source: "a.md"},
				{Content: "second chunk", Source: "b.md"},
			},
			want: "Source 1 (a.md):\nfirst chunk\n\nSource 2 (b.md):\nsecond chunk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, retrieval.PrepareContext(tt.docs))
		})
	}
}

func TestPrepareContextPure(t *testing.T) {
	t.Parallel()

	docs := []retrieval.Document{{Content: "chunk", Source: "a.md"}}
	first := retrieval.PrepareContext(docs)
	second := retrieval.PrepareContext(docs)
	assert.Equal(t, first, second)
	assert.Equal(t, "chunk", docs[0].Content, "input must not be mutated")
}
