// Package realtime carries conversations over websockets: a Hub fans
// frames out to every connection watching a conversation, and a Handler
// drives the admission/orchestration cycle per inbound message.
package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
)

// sendQueueSize bounds the per-connection outbound queue. A consumer that
// falls this far behind starts losing frames rather than stalling the hub.
const sendQueueSize = 32

// Conn is the write side of a websocket connection as the Hub sees it.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
}

// Hub fans frames out to the connections subscribed to a conversation.
// Each connection gets a dedicated writer goroutine, so frames enqueued
// for one connection are delivered in FIFO order; no ordering is promised
// across connections. Safe for concurrent use.
//
// A Hub is scoped to the server that created it, not shared globally.
type Hub struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]map[Conn]*sender
	logger        log.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Hub{
		conversations: make(map[uuid.UUID]map[Conn]*sender),
		logger:        logger,
	}
}

// Connect subscribes conn to a conversation and starts its writer.
func (h *Hub) Connect(conn Conn, conversationID uuid.UUID) {
	s := &sender{
		queue: make(chan any, sendQueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.conversations[conversationID]
	if !ok {
		set = make(map[Conn]*sender)
		h.conversations[conversationID] = set
	}
	set[conn] = s
	h.mu.Unlock()

	go s.run(conn, h.logger)
}

// Disconnect unsubscribes conn and stops its writer. The conversation
// entry is removed the moment its last connection leaves. Disconnecting
// an unknown connection is a no-op.
func (h *Hub) Disconnect(conn Conn, conversationID uuid.UUID) {
	h.mu.Lock()
	set, ok := h.conversations[conversationID]
	if ok {
		if s, found := set[conn]; found {
			s.stop()
			delete(set, conn)
		}
		if len(set) == 0 {
			delete(h.conversations, conversationID)
		}
	}
	h.mu.Unlock()
}

// Broadcast enqueues payload for every connection subscribed to the
// conversation. Broadcasting to a conversation with no connections is a
// no-op. A full queue drops the frame for that connection only.
func (h *Hub) Broadcast(conversationID uuid.UUID, payload any) {
	h.mu.Lock()
	senders := make([]*sender, 0, len(h.conversations[conversationID]))
	for _, s := range h.conversations[conversationID] {
		senders = append(senders, s)
	}
	h.mu.Unlock()

	for _, s := range senders {
		s.enqueue(payload)
	}
}

// Send enqueues payload for one subscribed connection only. Unknown
// connections are a no-op.
func (h *Hub) Send(conn Conn, conversationID uuid.UUID, payload any) {
	h.mu.Lock()
	s := h.conversations[conversationID][conn]
	h.mu.Unlock()

	if s != nil {
		s.enqueue(payload)
	}
}

// Connections reports how many connections are subscribed to a
// conversation.
func (h *Hub) Connections(conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conversations[conversationID])
}

// sender is the delivery path for one connection.
type sender struct {
	queue chan any
	done  chan struct{}
	once  sync.Once
}

func (s *sender) run(conn Conn, logger log.Logger) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("websocket write failed, dropping delivery path", "error", err)
				s.stop()
				return
			}
		}
	}
}

func (s *sender) stop() {
	s.once.Do(func() { close(s.done) })
}

// enqueue hands a frame to the writer without ever blocking the caller.
func (s *sender) enqueue(msg any) {
	select {
	case <-s.done:
	case s.queue <- msg:
	default:
	}
}
