package api

// conversations.go handles conversation lifecycle endpoints.
//
// POST   /api/v1/conversations      - create
// GET    /api/v1/conversations      - list caller's conversations
// DELETE /api/v1/conversations/{id} - archive

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/log"
)

const defaultListLimit = 50

type conversationsHandler struct {
	store  ConversationStore
	logger log.Logger
}

type createConversationRequest struct {
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *conversationsHandler) create(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req createConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conv, err := h.store.Create(r.Context(), identity, req.Title, req.Provider, req.SystemPrompt)
	if err != nil {
		h.logger.Error("create conversation failed", "owner", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *conversationsHandler) list(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	convs, err := h.store.ListByOwner(r.Context(), identity, limit, offset)
	if err != nil {
		h.logger.Error("list conversations failed", "owner", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *conversationsHandler) archive(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	if err := h.store.SetStatus(r.Context(), id, identity, conversation.StatusArchived); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "conversation not accessible")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
