// Package conversation persists the append-only turn log per conversation.
//
// Responsibilities: conversation lifecycle (status flag gates whether new
// turns are accepted) and chronological turn storage on PostgreSQL.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status values for a conversation. Only active conversations accept turns.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Sentinel errors. Check with errors.Is.
var (
	// ErrNotAccessible indicates the conversation does not exist, is not
	// owned by the caller, or is no longer active. Terminal for a request.
	ErrNotAccessible = errors.New("conversation not accessible")

	// ErrInvalidRole indicates a turn role outside user/assistant/system.
	ErrInvalidRole = errors.New("invalid turn role")
)

// Conversation is a chat thread owned by one identity.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Turn is one message in a conversation. Insertion order is chronological
// and immutable once persisted.
type Turn struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidRole reports whether role is one of the accepted turn roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
