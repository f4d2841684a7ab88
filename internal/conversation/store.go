package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
)

// Store manages conversation persistence on PostgreSQL.
// Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a Store on the given pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Create starts a new active conversation for ownerID.
func (s *Store) Create(ctx context.Context, ownerID, title, providerName, systemPrompt string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (owner_id, title, provider, system_prompt)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, title, provider, system_prompt, status, created_at, updated_at`,
		ownerID, title, providerName, systemPrompt,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &c.Provider, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "owner", ownerID)
	return &c, nil
}

// GetActive returns the conversation only when it exists, belongs to
// ownerID, and is active; every other case is ErrNotAccessible. Callers
// must not learn whether a foreign conversation exists.
func (s *Store) GetActive(ctx context.Context, id uuid.UUID, ownerID string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, provider, system_prompt, status, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND owner_id = $2 AND status = $3`,
		id, ownerID, StatusActive,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &c.Provider, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotAccessible, id)
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// AppendTurn records a turn at the end of the conversation log. The insert
// is gated on active status in the same statement, so a conversation
// archived mid-flight cannot accept a late turn.
func (s *Store) AppendTurn(ctx context.Context, conversationID uuid.UUID, role, content string, tokenCount int) (*Turn, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	turn := Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO turns (conversation_id, role, content, token_count)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (
			SELECT 1 FROM conversations WHERE id = $1 AND status = $5
		)
		RETURNING id, created_at`,
		conversationID, role, content, tokenCount, StatusActive,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotAccessible, conversationID)
		}
		return nil, fmt.Errorf("append turn: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID)
	if err != nil {
		s.logger.Warn("failed to bump conversation updated_at",
			"conversation", conversationID, "error", err)
	}
	return &turn, nil
}

// RecentTurns returns the most recent limit turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, token_count, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.TokenCount, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect turns: %w", err)
	}

	// Query returns newest-first; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SetStatus transitions the conversation status, scoped to the owner.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, ownerID string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $3, updated_at = now()
		WHERE id = $1 AND owner_id = $2`,
		id, ownerID, status)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotAccessible, id)
	}
	return nil
}

// ListByOwner lists the owner's conversations, most recently updated first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, title, provider, system_prompt, status, created_at, updated_at
		FROM conversations
		WHERE owner_id = $1 AND status != $2
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4`,
		ownerID, StatusDeleted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Conversation, error) {
		var c Conversation
		err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Provider, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
}
