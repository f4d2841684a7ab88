package api

// documents.go handles the deferred-ingestion endpoints.
//
// POST /api/v1/documents      - upload, returns 202 with the document id
// POST /api/v1/documents/url  - fetch a remote page for ingestion
// GET  /api/v1/documents/{id} - ingestion status

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/ingest"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/security"
)

const maxUploadBytes = 10 << 20 // 10 MiB

type documentsHandler struct {
	ingestor   Ingestor
	registry   DocumentRegistry
	fetcher    RemoteFetcher
	logger     log.Logger
	collection string
}

func (h *documentsHandler) upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read upload")
		return
	}

	collection := r.FormValue("collection")
	if collection == "" {
		collection = h.collection
	}

	task := ingest.Task{
		DocumentID:  uuid.New(),
		OwnerID:     identity,
		Collection:  collection,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := h.ingestor.Submit(r.Context(), task); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "queue_full", "ingestion queue is full, retry later")
			return
		}
		h.logger.Error("document submit failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to accept document")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         task.DocumentID,
		"status":     ingest.StatusProcessing,
		"collection": collection,
	})
}

type uploadURLRequest struct {
	URL        string `json:"url"`
	Collection string `json:"collection"`
}

func (h *documentsHandler) uploadURL(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req uploadURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	remote, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, security.ErrUnsafeURL) {
			writeError(w, http.StatusBadRequest, "unsafe_url", "url target is not allowed")
			return
		}
		h.logger.Warn("remote fetch failed", "url", req.URL, "error", err)
		writeError(w, http.StatusBadGateway, "fetch_failed", "failed to fetch url")
		return
	}

	collection := req.Collection
	if collection == "" {
		collection = h.collection
	}

	task := ingest.Task{
		DocumentID:  uuid.New(),
		OwnerID:     identity,
		Collection:  collection,
		Filename:    remote.Name,
		ContentType: remote.ContentType,
		Data:        remote.Data,
	}
	if err := h.ingestor.Submit(r.Context(), task); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "queue_full", "ingestion queue is full, retry later")
			return
		}
		h.logger.Error("document submit failed", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to accept document")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         task.DocumentID,
		"status":     ingest.StatusProcessing,
		"collection": collection,
	})
}

func (h *documentsHandler) status(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid document id")
		return
	}

	doc, err := h.registry.Get(r.Context(), id, identity)
	if err != nil {
		if errors.Is(err, ingest.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		h.logger.Error("document lookup failed", "document", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
