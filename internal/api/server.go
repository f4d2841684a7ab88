// Package api is the JSON HTTP surface: REST chat, similarity search,
// collection management, document ingestion, and the websocket mount.
//
// Identity arrives pre-authenticated through an injected Authenticator;
// this package never issues or validates credentials itself. Every
// turn-producing route passes the admission controller first, and denials
// surface as 429 with X-RateLimit-* metadata.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/ingest"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/vecstore"
)

// Authenticator resolves the caller's identity from a request. The
// identity is opaque to this package.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Admitter decides whether a request may proceed.
type Admitter interface {
	Check(ctx context.Context, identity string, pol admission.Policy, cost int) (admission.Decision, error)
}

// TurnProducer runs one full chat turn.
type TurnProducer interface {
	ProduceTurn(ctx context.Context, conv *conversation.Conversation, userMessage string, includeContext bool, events chat.TurnEvents) (provider.Result, error)
}

// ConversationStore is the conversation persistence consumed by handlers.
type ConversationStore interface {
	Create(ctx context.Context, ownerID, title, providerName, systemPrompt string) (*conversation.Conversation, error)
	GetActive(ctx context.Context, id uuid.UUID, ownerID string) (*conversation.Conversation, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]conversation.Conversation, error)
	SetStatus(ctx context.Context, id uuid.UUID, ownerID string, status conversation.Status) error
}

// ContextRetriever runs similarity search for the search endpoint.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, p retrieval.Params) []retrieval.Document
}

// CollectionStore manages the similarity-index collections.
type CollectionStore interface {
	ListCollections(ctx context.Context) ([]string, error)
	CollectionInfo(ctx context.Context, name string) (vecstore.CollectionInfo, error)
	DeleteByFilter(ctx context.Context, collection string, filters map[string]any) (int64, error)
}

// Ingestor accepts document uploads for deferred indexing.
type Ingestor interface {
	Submit(ctx context.Context, task ingest.Task) error
}

// DocumentRegistry reads ingestion status.
type DocumentRegistry interface {
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*ingest.Document, error)
}

// RemoteFetcher downloads remote pages for ingestion.
type RemoteFetcher interface {
	Fetch(ctx context.Context, rawURL string) (ingest.Remote, error)
}

// ServerConfig contains everything the API server depends on.
type ServerConfig struct {
	Logger        log.Logger
	Authenticator Authenticator // required
	Admission     Admitter      // required
	Policy        admission.Policy

	Orchestrator  TurnProducer      // required
	Conversations ConversationStore // required
	Retriever     ContextRetriever  // required
	Collections   CollectionStore   // required
	Ingestor      Ingestor          // required
	Registry      DocumentRegistry  // required

	// Fetcher enables POST /api/v1/documents/url. Nil disables the route.
	Fetcher RemoteFetcher

	// Realtime is mounted at GET /ws/{conversation_id}. Nil disables the
	// websocket surface.
	Realtime http.Handler

	// Pool powers the readiness probe. Nil skips the database check.
	Pool *pgxpool.Pool

	// Retrieval defaults for the search endpoint.
	Collection          string
	TopK                int
	SimilarityThreshold float64
}

func (cfg ServerConfig) validate() error {
	switch {
	case cfg.Authenticator == nil:
		return errors.New("authenticator is required")
	case cfg.Admission == nil:
		return errors.New("admission controller is required")
	case cfg.Orchestrator == nil:
		return errors.New("orchestrator is required")
	case cfg.Conversations == nil:
		return errors.New("conversation store is required")
	case cfg.Retriever == nil:
		return errors.New("retriever is required")
	case cfg.Collections == nil:
		return errors.New("collection store is required")
	case cfg.Ingestor == nil:
		return errors.New("ingestor is required")
	case cfg.Registry == nil:
		return errors.New("document registry is required")
	}
	return nil
}

// Server is the HTTP server with all routes configured.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a Server from cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	rag := &ragHandler{
		orchestrator:  cfg.Orchestrator,
		conversations: cfg.Conversations,
		retriever:     cfg.Retriever,
		logger:        logger,
		topK:          cfg.TopK,
		threshold:     cfg.SimilarityThreshold,
	}
	convs := &conversationsHandler{store: cfg.Conversations, logger: logger}
	colls := &collectionsHandler{store: cfg.Collections, logger: logger}
	docs := &documentsHandler{
		ingestor:   cfg.Ingestor,
		registry:   cfg.Registry,
		fetcher:    cfg.Fetcher,
		logger:     logger,
		collection: cfg.Collection,
	}

	mux := http.NewServeMux()

	// Chat and retrieval. Queries charge the admission window; searches
	// are read-only probes of the same budget surface.
	mux.HandleFunc("POST /api/v1/rag/query", admit(cfg.Admission, cfg.Policy, 1, logger, rag.query))
	mux.HandleFunc("POST /api/v1/rag/search", admit(cfg.Admission, cfg.Policy, 0, logger, rag.search))

	// Conversation lifecycle
	mux.HandleFunc("POST /api/v1/conversations", convs.create)
	mux.HandleFunc("GET /api/v1/conversations", convs.list)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", convs.archive)

	// Collections
	mux.HandleFunc("GET /api/v1/collections", colls.list)
	mux.HandleFunc("GET /api/v1/collections/{name}", colls.info)
	mux.HandleFunc("DELETE /api/v1/collections/{name}", colls.drop)

	// Documents
	mux.HandleFunc("POST /api/v1/documents", docs.upload)
	if cfg.Fetcher != nil {
		mux.HandleFunc("POST /api/v1/documents/url", docs.uploadURL)
	}
	mux.HandleFunc("GET /api/v1/documents/{id}", docs.status)

	// Middleware stack (outermost first):
	//   Recovery -> Logging -> Auth -> Routes
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Authenticator)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes and the websocket mount skip the JSON middleware
	// stack: probes need no identity, and the upgrade handshake must see
	// the raw ResponseWriter.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health)
	topMux.Handle("GET /readyz", readiness(cfg.Pool))
	if cfg.Realtime != nil {
		topMux.Handle("GET /ws/{conversation_id}", cfg.Realtime)
	}
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
