package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/provider"
)

const closeWriteWait = 5 * time.Second

// Authenticator resolves the caller's identity from the upgrade request.
// The identity is opaque to this package.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// ConversationGetter checks conversation ownership and status.
type ConversationGetter interface {
	GetActive(ctx context.Context, id uuid.UUID, ownerID string) (*conversation.Conversation, error)
}

// Admitter decides whether a message may start a turn.
type Admitter interface {
	Check(ctx context.Context, identity string, pol admission.Policy, cost int) (admission.Decision, error)
}

// TurnProducer runs one full chat turn.
type TurnProducer interface {
	ProduceTurn(ctx context.Context, conv *conversation.Conversation, userMessage string, includeContext bool, events chat.TurnEvents) (provider.Result, error)
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Authenticator Authenticator
	Conversations ConversationGetter
	Orchestrator  TurnProducer
	Admission     Admitter
	Policy        admission.Policy
	Hub           *Hub
	Logger        log.Logger
}

func (cfg HandlerConfig) validate() error {
	switch {
	case cfg.Authenticator == nil:
		return errors.New("authenticator is required")
	case cfg.Conversations == nil:
		return errors.New("conversation getter is required")
	case cfg.Orchestrator == nil:
		return errors.New("orchestrator is required")
	case cfg.Admission == nil:
		return errors.New("admission controller is required")
	case cfg.Hub == nil:
		return errors.New("hub is required")
	}
	return nil
}

// Handler serves the websocket conversation endpoint. Each connection is
// authenticated once at upgrade time; each chat_message frame then runs
// admission, the chat turn, and hub broadcasts of both persisted turns.
type Handler struct {
	cfg      HandlerConfig
	logger   log.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler from cfg.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP handles GET /ws/{conversation_id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(r.PathValue("conversation_id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	identity, err := h.cfg.Authenticator.Authenticate(r)
	if err != nil {
		h.closeWith(conn, CloseNotAccessible, "authentication failed")
		return
	}

	conv, err := h.cfg.Conversations.GetActive(r.Context(), conversationID, identity)
	if err != nil {
		h.closeWith(conn, CloseNotAccessible, "conversation not accessible")
		return
	}

	h.cfg.Hub.Connect(conn, conversationID)
	defer h.cfg.Hub.Disconnect(conn, conversationID)

	h.logger.Info("websocket connected",
		"conversation", conversationID,
		"identity", identity)

	h.readLoop(r.Context(), conn, conv, identity)
}

// readLoop processes inbound frames until the client disconnects or an
// internal error forces a 4000 close.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, conv *conversation.Conversation, identity string) {
	for {
		var frame InboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "conversation", conv.ID, "error", err)
			}
			return
		}

		switch frame.Type {
		case FrameChatMessage:
			if !h.handleChatMessage(ctx, conn, conv, identity, frame) {
				return
			}
		default:
			h.cfg.Hub.Send(conn, conv.ID, ErrorFrame{
				Type:    FrameError,
				Message: "unknown frame type: " + frame.Type,
			})
		}
	}
}

// handleChatMessage runs one admitted turn. Returns false when the
// connection should close.
func (h *Handler) handleChatMessage(ctx context.Context, conn *websocket.Conn, conv *conversation.Conversation, identity string, frame InboundFrame) bool {
	if frame.Content == "" {
		h.cfg.Hub.Send(conn, conv.ID, ErrorFrame{Type: FrameError, Message: "content is required"})
		return true
	}

	if _, err := h.cfg.Admission.Check(ctx, identity, h.cfg.Policy, 1); err != nil {
		var denied *admission.DeniedError
		if errors.As(err, &denied) {
			h.cfg.Hub.Send(conn, conv.ID, rateLimited(denied.Decision))
			return true
		}
		h.logger.Error("admission check failed", "conversation", conv.ID, "error", err)
		h.closeWith(conn, CloseInternalError, "internal error")
		return false
	}

	events := chat.TurnEvents{
		UserSaved: func(turn conversation.Turn) {
			h.cfg.Hub.Broadcast(conv.ID, messageSaved(turn))
		},
		AssistantSaved: func(turn conversation.Turn) {
			h.cfg.Hub.Broadcast(conv.ID, aiResponse(turn))
		},
	}
	if _, err := h.cfg.Orchestrator.ProduceTurn(ctx, conv, frame.Content, frame.includeContext(), events); err != nil {
		h.logger.Error("turn failed", "conversation", conv.ID, "error", err)
		h.closeWith(conn, CloseInternalError, "internal error")
		return false
	}
	return true
}

// closeWith sends a close frame with an application close code.
// WriteControl is safe alongside the hub's writer goroutine.
func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
		h.logger.Debug("close frame write failed", "error", err)
	}
}
