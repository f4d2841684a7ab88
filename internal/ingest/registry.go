package ingest

// registry.go is the PostgreSQL document registry. Status transitions are
// single UPDATE statements; there is no row-level state machine beyond
// processing being the only non-terminal status.

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRegistry implements Registry on a pgx pool.
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry creates a registry on pool.
func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

func (r *PGRegistry) Create(ctx context.Context, doc Document) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_documents (id, owner_id, collection, filename, content_type, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		doc.ID, doc.OwnerID, doc.Collection, doc.Filename, doc.ContentType, string(doc.Status))
	if err != nil {
		return fmt.Errorf("create document record: %w", err)
	}
	return nil
}

func (r *PGRegistry) MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error {
	return r.transition(ctx, id, `
		UPDATE ingest_documents
		SET status = 'completed', chunk_count = $2, failure = '', updated_at = now()
		WHERE id = $1`, chunkCount)
}

func (r *PGRegistry) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.transition(ctx, id, `
		UPDATE ingest_documents
		SET status = 'failed', failure = $2, updated_at = now()
		WHERE id = $1`, reason)
}

func (r *PGRegistry) transition(ctx context.Context, id uuid.UUID, query string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// Get returns the document record, scoped to its owner. Unknown ids and
// foreign owners are indistinguishable.
func (r *PGRegistry) Get(ctx context.Context, id uuid.UUID, ownerID string) (*Document, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, collection, filename, content_type, status, failure, chunk_count, created_at, updated_at
		FROM ingest_documents
		WHERE id = $1 AND owner_id = $2`,
		id, ownerID)

	var doc Document
	var status string
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Collection, &doc.Filename,
		&doc.ContentType, &status, &doc.Failure, &doc.ChunkCount,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load document record: %w", err)
	}
	doc.Status = Status(status)
	return &doc, nil
}
