package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
)

// ConversationStore is an in-memory stand-in for the PostgreSQL
// conversation store, implementing the consumer interfaces of the chat
// orchestrator and the realtime handler.
//
// Thread-safe for concurrent use.
type ConversationStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*conversation.Conversation
	turns         map[uuid.UUID][]conversation.Turn
	appendErr     error
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		turns:         make(map[uuid.UUID][]conversation.Turn),
	}
}

// Seed registers a conversation and returns it.
func (s *ConversationStore) Seed(ownerID string, status conversation.Status) *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &conversation.Conversation{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.conversations[c.ID] = c
	return c
}

// FailAppendsWith makes subsequent AppendTurn calls return err.
func (s *ConversationStore) FailAppendsWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// Turns returns a copy of the turn log for a conversation.
func (s *ConversationStore) Turns(conversationID uuid.UUID) []conversation.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]conversation.Turn, len(s.turns[conversationID]))
	copy(cp, s.turns[conversationID])
	return cp
}

// GetActive mirrors the PostgreSQL store semantics: missing, foreign, and
// inactive conversations are all ErrNotAccessible.
func (s *ConversationStore) GetActive(_ context.Context, id uuid.UUID, ownerID string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok || c.OwnerID != ownerID || c.Status != conversation.StatusActive {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotAccessible, id)
	}
	cp := *c
	return &cp, nil
}

// AppendTurn implements chat.TurnStore.
func (s *ConversationStore) AppendTurn(_ context.Context, conversationID uuid.UUID, role, content string, tokenCount int) (*conversation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return nil, s.appendErr
	}
	c, ok := s.conversations[conversationID]
	if !ok || c.Status != conversation.StatusActive {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotAccessible, conversationID)
	}

	t := conversation.Turn{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
		CreatedAt:      time.Now(),
	}
	s.turns[conversationID] = append(s.turns[conversationID], t)
	return &t, nil
}

// RecentTurns implements chat.TurnStore: last limit turns, chronological.
func (s *ConversationStore) RecentTurns(_ context.Context, conversationID uuid.UUID, limit int) ([]conversation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.turns[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	cp := make([]conversation.Turn, len(all))
	copy(cp, all)
	return cp, nil
}

// Create starts a new active conversation.
func (s *ConversationStore) Create(_ context.Context, ownerID, title, providerName, systemPrompt string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &conversation.Conversation{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Title:        title,
		Provider:     providerName,
		SystemPrompt: systemPrompt,
		Status:       conversation.StatusActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

// SetStatus transitions a conversation's status, scoped to the owner.
func (s *ConversationStore) SetStatus(_ context.Context, id uuid.UUID, ownerID string, status conversation.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok || c.OwnerID != ownerID {
		return fmt.Errorf("%w: %s", conversation.ErrNotAccessible, id)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// ListByOwner lists the owner's non-deleted conversations, most recently
// updated first.
func (s *ConversationStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []conversation.Conversation
	for _, c := range s.conversations {
		if c.OwnerID == ownerID && c.Status != conversation.StatusDeleted {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
