package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/conversation"
)

// Frame types carried over the websocket, both directions.
const (
	FrameChatMessage  = "chat_message" // inbound
	FrameMessageSaved = "message_saved"
	FrameAIResponse   = "ai_response"
	FrameRateLimited  = "rate_limited"
	FrameError        = "error"
)

// Close codes in the application range.
const (
	CloseNotAccessible = 4004
	CloseInternalError = 4000
)

// InboundFrame is a client frame. Only chat_message is understood.
// IncludeContext defaults to true when the client omits it.
type InboundFrame struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	IncludeContext *bool  `json:"include_context"`
}

func (f InboundFrame) includeContext() bool {
	return f.IncludeContext == nil || *f.IncludeContext
}

// TurnPayload is the persisted turn as carried inside outbound frames.
type TurnPayload struct {
	ID         uuid.UUID `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageSavedFrame confirms the user turn was persisted.
type MessageSavedFrame struct {
	Type    string      `json:"type"`
	Message TurnPayload `json:"message"`
}

// AIResponseFrame delivers the assistant turn.
type AIResponseFrame struct {
	Type       string      `json:"type"`
	Message    TurnPayload `json:"message"`
	TokensUsed int         `json:"tokens_used"`
}

// RateLimitedFrame reports a denied message without closing the
// connection; the client may retry after RetryAfter seconds.
type RateLimitedFrame struct {
	Type       string `json:"type"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Reset      int64  `json:"reset"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorFrame reports a recoverable per-message failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func turnPayload(turn conversation.Turn) TurnPayload {
	return TurnPayload{
		ID:         turn.ID,
		Role:       turn.Role,
		Content:    turn.Content,
		TokenCount: turn.TokenCount,
		CreatedAt:  turn.CreatedAt,
	}
}

func messageSaved(turn conversation.Turn) MessageSavedFrame {
	return MessageSavedFrame{
		Type:    FrameMessageSaved,
		Message: turnPayload(turn),
	}
}

func aiResponse(turn conversation.Turn) AIResponseFrame {
	return AIResponseFrame{
		Type:       FrameAIResponse,
		Message:    turnPayload(turn),
		TokensUsed: turn.TokenCount,
	}
}

func rateLimited(d admission.Decision) RateLimitedFrame {
	return RateLimitedFrame{
		Type:       FrameRateLimited,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		Reset:      d.Reset.Unix(),
		RetryAfter: int(d.RetryAfter.Seconds()),
	}
}
