package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/ingest"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/security"
	"github.com/parleyhq/parley/internal/testutil"
	"github.com/parleyhq/parley/internal/vecstore"
)

type staticAuth struct {
	identity string
	err      error
}

func (a staticAuth) Authenticate(*http.Request) (string, error) {
	return a.identity, a.err
}

type fakeRetriever struct {
	docs []retrieval.Document
	last retrieval.Params
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, p retrieval.Params) []retrieval.Document {
	f.last = p
	return f.docs
}

type fakeCollections struct {
	names   []string
	info    vecstore.CollectionInfo
	infoErr error
	deleted int64
}

func (f *fakeCollections) ListCollections(context.Context) ([]string, error) {
	return f.names, nil
}

func (f *fakeCollections) CollectionInfo(_ context.Context, name string) (vecstore.CollectionInfo, error) {
	if f.infoErr != nil {
		return vecstore.CollectionInfo{}, f.infoErr
	}
	return f.info, nil
}

func (f *fakeCollections) DeleteByFilter(context.Context, string, map[string]any) (int64, error) {
	return f.deleted, nil
}

type fakeIngestor struct {
	mu    sync.Mutex
	tasks []ingest.Task
	err   error
	docs  map[uuid.UUID]*ingest.Document
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{docs: make(map[uuid.UUID]*ingest.Document)}
}

func (f *fakeIngestor) Submit(_ context.Context, task ingest.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	f.docs[task.DocumentID] = &ingest.Document{
		ID:         task.DocumentID,
		OwnerID:    task.OwnerID,
		Collection: task.Collection,
		Filename:   task.Filename,
		Status:     ingest.StatusProcessing,
	}
	return nil
}

func (f *fakeIngestor) Get(_ context.Context, id uuid.UUID, ownerID string) (*ingest.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return nil, ingest.ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

type fakeFetcher struct {
	remote ingest.Remote
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (ingest.Remote, error) {
	if f.err != nil {
		return ingest.Remote{}, f.err
	}
	return f.remote, nil
}

type fixture struct {
	store     *testutil.ConversationStore
	retriever *fakeRetriever
	ingestor  *fakeIngestor
	fetcher   *fakeFetcher
	handler   http.Handler
}

func newFixture(t *testing.T, identity string, policy admission.Policy) *fixture {
	t.Helper()

	store := testutil.NewConversationStore()
	orch, err := chat.NewOrchestrator(chat.Config{
		Provider: testutil.NewStubProvider("stub answer", 7),
		Store:    store,
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)

	retriever := &fakeRetriever{}
	ingestor := newFakeIngestor()
	fetcher := &fakeFetcher{}

	srv, err := api.NewServer(api.ServerConfig{
		Logger:              log.NewNop(),
		Authenticator:       staticAuth{identity: identity},
		Admission:           admission.NewController(admission.NewMemoryStore(), log.NewNop()),
		Policy:              policy,
		Orchestrator:        orch,
		Conversations:       store,
		Retriever:           retriever,
		Collections:         &fakeCollections{names: []string{"documents"}},
		Ingestor:            ingestor,
		Registry:            ingestor,
		Fetcher:             fetcher,
		Collection:          "documents",
		TopK:                5,
		SimilarityThreshold: 0.7,
	})
	require.NoError(t, err)

	return &fixture{
		store:     store,
		retriever: retriever,
		ingestor:  ingestor,
		fetcher:   fetcher,
		handler:   srv.Handler(),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func defaultPolicy() admission.Policy {
	return admission.Policy{Limit: 100, Window: time.Minute}
}

func TestQueryEndpoint(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	conv := fix.store.Seed("user:1", conversation.StatusActive)

	w := fix.do(t, http.MethodPost, "/api/v1/rag/query", map[string]any{
		"conversation_id": conv.ID,
		"message":         "what is the refund policy?",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "stub answer", resp["content"])
	assert.Equal(t, float64(7), resp["tokens_used"])
	assert.Equal(t, conv.ID.String(), resp["conversation_id"])

	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))

	require.Len(t, fix.store.Turns(conv.ID), 2)
}

func TestQueryValidation(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	conv := fix.store.Seed("user:1", conversation.StatusActive)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing message", map[string]any{"conversation_id": conv.ID}, http.StatusBadRequest},
		{"missing conversation", map[string]any{"message": "hi"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"conversation_id": conv.ID, "message": "hi", "bogus": 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := fix.do(t, http.MethodPost, "/api/v1/rag/query", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

type recordingProducer struct {
	mu    sync.Mutex
	flags []bool
}

func (p *recordingProducer) ProduceTurn(_ context.Context, _ *conversation.Conversation, _ string, includeContext bool, _ chat.TurnEvents) (provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags = append(p.flags, includeContext)
	return provider.Result{Content: "ok"}, nil
}

func TestQueryIncludeContextDefaultsTrue(t *testing.T) {
	t.Parallel()

	store := testutil.NewConversationStore()
	producer := &recordingProducer{}
	ingestor := newFakeIngestor()

	srv, err := api.NewServer(api.ServerConfig{
		Logger:        log.NewNop(),
		Authenticator: staticAuth{identity: "user:1"},
		Admission:     admission.NewController(admission.NewMemoryStore(), log.NewNop()),
		Policy:        defaultPolicy(),
		Orchestrator:  producer,
		Conversations: store,
		Retriever:     &fakeRetriever{},
		Collections:   &fakeCollections{},
		Ingestor:      ingestor,
		Registry:      ingestor,
	})
	require.NoError(t, err)

	conv := store.Seed("user:1", conversation.StatusActive)
	doReq := func(body map[string]any) {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/query", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	doReq(map[string]any{"conversation_id": conv.ID, "message": "omitted"})
	doReq(map[string]any{"conversation_id": conv.ID, "message": "explicit off", "include_context": false})
	doReq(map[string]any{"conversation_id": conv.ID, "message": "explicit on", "include_context": true})

	assert.Equal(t, []bool{true, false, true}, producer.flags)
}

func TestQueryForeignConversation(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	conv := fix.store.Seed("someone-else", conversation.StatusActive)

	w := fix.do(t, http.MethodPost, "/api/v1/rag/query", map[string]any{
		"conversation_id": conv.ID,
		"message":         "hi",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryRateLimited(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", admission.Policy{Limit: 1, Window: time.Minute})
	conv := fix.store.Seed("user:1", conversation.StatusActive)

	body := map[string]any{"conversation_id": conv.ID, "message": "hi"}
	first := fix.do(t, http.MethodPost, "/api/v1/rag/query", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := fix.do(t, http.MethodPost, "/api/v1/rag/query", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	// The denied request produced no turns.
	assert.Len(t, fix.store.Turns(conv.ID), 2)
}

func TestUnauthenticated(t *testing.T) {
	t.Parallel()

	store := testutil.NewConversationStore()
	orch, err := chat.NewOrchestrator(chat.Config{
		Provider: testutil.NewStubProvider("x", 0),
		Store:    store,
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)
	ingestor := newFakeIngestor()

	srv, err := api.NewServer(api.ServerConfig{
		Logger:        log.NewNop(),
		Authenticator: staticAuth{err: errors.New("no token")},
		Admission:     admission.NewController(admission.NewMemoryStore(), log.NewNop()),
		Policy:        defaultPolicy(),
		Orchestrator:  orch,
		Conversations: store,
		Retriever:     &fakeRetriever{},
		Collections:   &fakeCollections{},
		Ingestor:      ingestor,
		Registry:      ingestor,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays reachable without identity.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	fix.retriever.docs = []retrieval.Document{
		{Content: "refund text", Score: 0.91, Source: "handbook.md", ChunkID: "c1"},
	}

	w := fix.do(t, http.MethodPost, "/api/v1/rag/search", map[string]any{
		"query":      "refunds",
		"collection": "documents",
	})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string][]map[string]any](t, w)
	require.Len(t, resp["results"], 1)
	assert.Equal(t, "refund text", resp["results"][0]["content"])
	assert.Equal(t, 0.91, resp["results"][0]["score"])

	// Server defaults applied.
	assert.Equal(t, 5, fix.retriever.last.TopK)
	assert.Equal(t, 0.7, fix.retriever.last.SimilarityThreshold)

	// Searches probe the admission window and report its state.
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Remaining"))
}

func TestSearchDoesNotChargeAdmission(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", admission.Policy{Limit: 1, Window: time.Minute})
	conv := fix.store.Seed("user:1", conversation.StatusActive)

	for range 3 {
		w := fix.do(t, http.MethodPost, "/api/v1/rag/search", map[string]any{"query": "refunds"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	}

	// The whole budget is still available to the query that follows.
	w := fix.do(t, http.MethodPost, "/api/v1/rag/query", map[string]any{
		"conversation_id": conv.ID,
		"message":         "hi",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSearchOverrides(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	w := fix.do(t, http.MethodPost, "/api/v1/rag/search", map[string]any{
		"query":                "refunds",
		"top_k":                3,
		"similarity_threshold": 0.2,
		"filters":              map[string]any{"source": "handbook.md"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, fix.retriever.last.TopK)
	assert.Equal(t, 0.2, fix.retriever.last.SimilarityThreshold)
	assert.Equal(t, map[string]any{"source": "handbook.md"}, fix.retriever.last.Filters)
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())

	created := fix.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
		"title": "support chat",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	conv := decode[conversation.Conversation](t, created)
	assert.Equal(t, "support chat", conv.Title)
	assert.Equal(t, conversation.StatusActive, conv.Status)

	listed := fix.do(t, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	resp := decode[map[string][]conversation.Conversation](t, listed)
	require.Len(t, resp["conversations"], 1)

	archived := fix.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, archived.Code)

	// Archived conversations refuse new turns.
	w := fix.do(t, http.MethodPost, "/api/v1/rag/query", map[string]any{
		"conversation_id": conv.ID,
		"message":         "hi",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocumentUploadAndStatus(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("some document content"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fix.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[map[string]any](t, w)
	assert.Equal(t, string(ingest.StatusProcessing), resp["status"])
	assert.Equal(t, "documents", resp["collection"], "default collection applied")

	id, err := uuid.Parse(resp["id"].(string))
	require.NoError(t, err)

	statusResp := fix.do(t, http.MethodGet, "/api/v1/documents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, statusResp.Code)
	doc := decode[ingest.Document](t, statusResp)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, ingest.StatusProcessing, doc.Status)

	// Unknown document is 404.
	missing := fix.do(t, http.MethodGet, "/api/v1/documents/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestDocumentUploadQueueFull(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	fix.ingestor.err = fmt.Errorf("submit: %w", ingest.ErrQueueFull)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("content"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fix.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestDocumentFromURL(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	fix.fetcher.remote = ingest.Remote{
		Data:        []byte("<html><body>refund policy</body></html>"),
		ContentType: "text/html",
		Name:        "example.com/refunds.html",
	}

	w := fix.do(t, http.MethodPost, "/api/v1/documents/url", map[string]any{
		"url": "https://example.com/refunds.html",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[map[string]any](t, w)
	assert.Equal(t, string(ingest.StatusProcessing), resp["status"])

	require.Len(t, fix.ingestor.tasks, 1)
	task := fix.ingestor.tasks[0]
	assert.Equal(t, "example.com/refunds.html", task.Filename)
	assert.Equal(t, "text/html", task.ContentType)
	assert.Equal(t, "user:1", task.OwnerID)
}

func TestDocumentFromURLRejectsUnsafe(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	fix.fetcher.err = fmt.Errorf("validate: %w", security.ErrUnsafeURL)

	w := fix.do(t, http.MethodPost, "/api/v1/documents/url", map[string]any{
		"url": "http://169.254.169.254/latest/meta-data/",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fix.ingestor.tasks)
}

func TestDocumentFromURLFetchFailure(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())
	fix.fetcher.err = errors.New("connection refused")

	w := fix.do(t, http.MethodPost, "/api/v1/documents/url", map[string]any{
		"url": "https://unreachable.example.com/",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCollectionsEndpoints(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())

	listed := fix.do(t, http.MethodGet, "/api/v1/collections", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	resp := decode[map[string][]string](t, listed)
	assert.Equal(t, []string{"documents"}, resp["collections"])

	dropped := fix.do(t, http.MethodDelete, "/api/v1/collections/documents", nil)
	assert.Equal(t, http.StatusOK, dropped.Code)
}

func TestCollectionNotFound(t *testing.T) {
	t.Parallel()

	store := testutil.NewConversationStore()
	orch, err := chat.NewOrchestrator(chat.Config{
		Provider: testutil.NewStubProvider("x", 0),
		Store:    store,
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)
	ingestor := newFakeIngestor()

	srv, err := api.NewServer(api.ServerConfig{
		Logger:        log.NewNop(),
		Authenticator: staticAuth{identity: "user:1"},
		Admission:     admission.NewController(admission.NewMemoryStore(), log.NewNop()),
		Policy:        defaultPolicy(),
		Orchestrator:  orch,
		Conversations: store,
		Retriever:     &fakeRetriever{},
		Collections:   &fakeCollections{infoErr: vecstore.ErrCollectionNotFound},
		Ingestor:      ingestor,
		Registry:      ingestor,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/collections/ghost", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMalformedBody(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "user:1", defaultPolicy())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/search", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fix.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
