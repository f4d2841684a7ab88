// Package retrieval assembles grounded context for generation.
//
// A Retriever embeds the query, searches the similarity index, and
// reconciles raw distances to similarity scores (score = 1 - distance) so
// every downstream consumer compares on one scale. Retrieval failures are
// absorbed here: callers receive an empty bundle and proceed without
// grounding, never a hard error.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/embedding"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/vecstore"
)

// DefaultTopK is used when Params.TopK is not positive.
const DefaultTopK = 5

// Document is a retrieved context document. Score is similarity in [0,1],
// never raw distance.
type Document struct {
	Content  string
	Metadata map[string]any
	Score    float64
	Source   string
	ChunkID  string
}

// Params configures a retrieval call.
type Params struct {
	Collection string
	TopK       int

	// SimilarityThreshold excludes documents scoring below it.
	// Compared as score >= threshold.
	SimilarityThreshold float64

	// Filters is an exact-match metadata predicate, e.g. restricting
	// results to the calling identity's own documents.
	Filters map[string]any
}

// Searcher is the similarity index consumed by the Retriever.
type Searcher interface {
	Search(ctx context.Context, q vecstore.Query) ([]vecstore.Hit, error)
}

// Retriever converts a query into a ranked context bundle.
// Safe for concurrent use.
type Retriever struct {
	embedder embedding.Embedder
	index    Searcher
	logger   log.Logger
}

// New creates a Retriever.
func New(embedder embedding.Embedder, index Searcher, logger log.Logger) *Retriever {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, index: index, logger: logger}
}

// Retrieve returns documents relevant to query, ordered by non-increasing
// score. Ties keep index insertion order. Any failure along the way yields
// an empty slice; the caller proceeds ungrounded.
func (r *Retriever) Retrieve(ctx context.Context, query string, p Params) []Document {
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, proceeding without context", "error", err)
		return nil
	}

	hits, err := r.index.Search(ctx, vecstore.Query{
		Vector:          vector,
		Collection:      p.Collection,
		TopK:            p.TopK,
		DistanceCeiling: 1.0 - p.SimilarityThreshold,
		Filters:         p.Filters,
	})
	if err != nil {
		r.logger.Warn("similarity search failed, proceeding without context", "error", err)
		return nil
	}

	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		score := clampScore(1.0 - hit.Distance)
		if score < p.SimilarityThreshold {
			continue
		}
		docs = append(docs, Document{
			Content:  hit.Content,
			Metadata: hit.Metadata,
			Score:    score,
			Source:   sourceOf(hit),
			ChunkID:  hit.ID,
		})
	}

	r.logger.Debug("retrieved context",
		"query_length", len(query),
		"collection", p.Collection,
		"documents", len(docs))
	return docs
}

// PrepareContext concatenates documents into positional source blocks:
//
//	Source 1 (handbook.md):
//	<content>
//
//	Source 2 (faq.md):
//	...
//
// Citation numbering is positional, so the generation step can reference
// "Source N" stably. Pure function of its input.
func PrepareContext(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}

	blocks := make([]string, 0, len(docs))
	for i, doc := range docs {
		blocks = append(blocks, fmt.Sprintf("Source %d (%s):\n%s",
			i+1, doc.Source, strings.TrimSpace(doc.Content)))
	}
	return strings.Join(blocks, "\n\n")
}

// sourceOf reads the source name from hit metadata, "unknown" if absent.
func sourceOf(hit vecstore.Hit) string {
	if s, ok := hit.Metadata["source"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// clampScore bounds a similarity score to [0,1]. Cosine distance can exceed
// 1 for anti-correlated vectors, which would otherwise go negative.
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
