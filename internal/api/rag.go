package api

// rag.go handles the REST chat and retrieval-search endpoints.
//
// POST /api/v1/rag/query  - run one chat turn against a conversation
// POST /api/v1/rag/search - raw similarity search, no generation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/retrieval"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type ragHandler struct {
	orchestrator  TurnProducer
	conversations ConversationStore
	retriever     ContextRetriever
	logger        log.Logger

	topK      int
	threshold float64
}

type queryRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Message        string    `json:"message"`

	// IncludeContext defaults to true when omitted.
	IncludeContext *bool `json:"include_context"`
}

func (r queryRequest) includeContext() bool {
	return r.IncludeContext == nil || *r.IncludeContext
}

type queryResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	TokensUsed     int       `json:"tokens_used"`
}

func (h *ragHandler) query(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.ConversationID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}

	conv, err := h.conversations.GetActive(r.Context(), req.ConversationID, identity)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "conversation not accessible")
		return
	}

	result, err := h.orchestrator.ProduceTurn(r.Context(), conv, req.Message, req.includeContext(), chat.TurnEvents{})
	if err != nil {
		if errors.Is(err, conversation.ErrNotAccessible) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not accessible")
			return
		}
		h.logger.Error("turn failed", "conversation", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to produce response")
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		ConversationID: conv.ID,
		Content:        result.Content,
		TokensUsed:     result.TokensUsed,
	})
}

type searchRequest struct {
	Query               string         `json:"query"`
	Collection          string         `json:"collection"`
	TopK                int            `json:"top_k"`
	SimilarityThreshold *float64       `json:"similarity_threshold"`
	Filters             map[string]any `json:"filters"`
}

type searchResult struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Source   string         `json:"source"`
	ChunkID  string         `json:"chunk_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *ragHandler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	params := retrieval.Params{
		Collection:          req.Collection,
		TopK:                req.TopK,
		SimilarityThreshold: h.threshold,
		Filters:             req.Filters,
	}
	if req.TopK <= 0 {
		params.TopK = h.topK
	}
	if req.SimilarityThreshold != nil {
		params.SimilarityThreshold = *req.SimilarityThreshold
	}

	docs := h.retriever.Retrieve(r.Context(), req.Query, params)

	results := make([]searchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, searchResult{
			Content:  d.Content,
			Score:    d.Score,
			Source:   d.Source,
			ChunkID:  d.ChunkID,
			Metadata: d.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// decodeJSON decodes a bounded JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}
