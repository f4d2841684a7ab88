// Package vecstore implements the similarity index on PostgreSQL + pgvector.
//
// Documents live in one table partitioned logically by collection name.
// Search is cosine distance (<=> operator); callers receive raw distances
// and own any distance-to-score conversion. Ties on distance keep insertion
// order (seq column), never re-sorted.
package vecstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/parleyhq/parley/internal/log"
)

// ErrCollectionNotFound indicates the named collection has no documents.
var ErrCollectionNotFound = errors.New("collection not found")

// searchTimeout bounds a single vector search query.
const searchTimeout = 10 * time.Second

// Doc is a document to index.
type Doc struct {
	ID         string
	Collection string
	Content    string
	Vector     []float32
	Metadata   map[string]any
}

// Hit is a single search result. Distance is raw cosine distance as
// reported by the index.
type Hit struct {
	ID       string
	Content  string
	Metadata map[string]any
	Distance float64
}

// Query describes a similarity search.
type Query struct {
	Vector     []float32
	Collection string
	TopK       int

	// DistanceCeiling excludes hits with distance above it.
	// Zero or negative means no ceiling.
	DistanceCeiling float64

	// Filters is an exact-match metadata predicate (JSONB containment).
	Filters map[string]any
}

// CollectionInfo summarizes a collection.
type CollectionInfo struct {
	Name      string `json:"name"`
	Documents int64  `json:"documents"`
}

// PG is the pgvector-backed similarity index.
// Safe for concurrent use.
type PG struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a similarity index on the given pool. The pool must have
// pgvector types registered (see database.Connect).
func New(pool *pgxpool.Pool, logger log.Logger) *PG {
	if logger == nil {
		logger = log.NewNop()
	}
	return &PG{pool: pool, logger: logger}
}

// Add upserts a document with its embedding vector.
func (s *PG) Add(ctx context.Context, doc Doc) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %q: %w", doc.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, collection, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET collection = EXCLUDED.collection,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    metadata   = EXCLUDED.metadata`,
		doc.ID, doc.Collection, doc.Content, pgvector.NewVector(doc.Vector), metadata)
	if err != nil {
		return fmt.Errorf("upsert document %q: %w", doc.ID, err)
	}

	s.logger.Debug("indexed document",
		"id", doc.ID, "collection", doc.Collection, "content_length", len(doc.Content))
	return nil
}

// Search returns the TopK nearest documents in the collection, ordered by
// ascending distance (ties by insertion order).
func (s *PG) Search(ctx context.Context, q Query) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	ceiling := q.DistanceCeiling
	if ceiling <= 0 {
		// Cosine distance never exceeds 2.
		ceiling = 2.0
	}

	var filters []byte
	if len(q.Filters) > 0 {
		var err error
		if filters, err = json.Marshal(q.Filters); err != nil {
			return nil, fmt.Errorf("marshal filters: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM documents
		WHERE collection = $2
		  AND ($3::jsonb IS NULL OR metadata @> $3)
		  AND embedding <=> $1 <= $4
		ORDER BY distance, seq
		LIMIT $5`,
		pgvector.NewVector(q.Vector), q.Collection, filters, ceiling, q.TopK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var metadata []byte
		if err := rows.Scan(&h.ID, &h.Content, &metadata, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &h.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for %q: %w", h.ID, err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return hits, nil
}

// DeleteByIDs removes documents by ID within a collection.
// Returns the number of documents removed.
func (s *PG) DeleteByIDs(ctx context.Context, collection string, ids []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = ANY($2)`,
		collection, ids)
	if err != nil {
		return 0, fmt.Errorf("delete by ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByFilter removes documents whose metadata contains the filter.
// Returns the number of documents removed.
func (s *PG) DeleteByFilter(ctx context.Context, collection string, filters map[string]any) (int64, error) {
	if len(filters) == 0 {
		return 0, errors.New("delete by filter requires a non-empty filter")
	}

	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return 0, fmt.Errorf("marshal filters: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND metadata @> $2`,
		collection, filterJSON)
	if err != nil {
		return 0, fmt.Errorf("delete by filter: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListCollections returns the distinct collection names in the index.
func (s *PG) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect collections: %w", err)
	}
	return names, nil
}

// CollectionInfo returns document statistics for a collection.
func (s *PG) CollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE collection = $1`, name).Scan(&count)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("collection info for %q: %w", name, err)
	}
	if count == 0 {
		return CollectionInfo{}, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return CollectionInfo{Name: name, Documents: count}, nil
}
