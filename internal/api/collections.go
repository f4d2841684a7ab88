package api

// collections.go exposes similarity-index collection management.
//
// GET    /api/v1/collections        - list collection names
// GET    /api/v1/collections/{name} - stats for one collection
// DELETE /api/v1/collections/{name} - drop every chunk in a collection

import (
	"errors"
	"net/http"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/vecstore"
)

type collectionsHandler struct {
	store  CollectionStore
	logger log.Logger
}

func (h *collectionsHandler) list(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListCollections(r.Context())
	if err != nil {
		h.logger.Error("list collections failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list collections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (h *collectionsHandler) info(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	info, err := h.store.CollectionInfo(r.Context(), name)
	if err != nil {
		if errors.Is(err, vecstore.ErrCollectionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "collection not found")
			return
		}
		h.logger.Error("collection info failed", "collection", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load collection")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *collectionsHandler) drop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	deleted, err := h.store.DeleteByFilter(r.Context(), name, map[string]any{})
	if err != nil {
		h.logger.Error("collection delete failed", "collection", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete collection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": name, "deleted": deleted})
}
