// Package ingest indexes uploaded documents in the background.
//
// Uploads are accepted immediately and queued; a bounded worker pool
// extracts text, chunks it, embeds each chunk, and writes the chunks to
// the similarity index. Every document moves through an explicit status
// machine, processing to completed or failed, so callers can poll the
// outcome of a handoff that already returned.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/embedding"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/vecstore"
)

// Status is a document's position in the ingestion lifecycle.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrQueueFull is returned by Submit when the task queue is at capacity.
// The caller should surface backpressure, not block the upload request.
var ErrQueueFull = errors.New("ingest queue is full")

// ErrDocumentNotFound is returned when a document id does not exist or
// belongs to another owner.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the registry record tracking one upload.
type Document struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"-"`
	Collection  string    `json:"collection"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Status      Status    `json:"status"`
	Failure     string    `json:"failure,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is one queued ingestion job.
type Task struct {
	DocumentID  uuid.UUID
	OwnerID     string
	Collection  string
	Filename    string
	ContentType string
	Data        []byte
}

// Registry persists document status transitions.
type Registry interface {
	Create(ctx context.Context, doc Document) error
	MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*Document, error)
}

// Index is the chunk sink consumed by the workers.
type Index interface {
	Add(ctx context.Context, doc vecstore.Doc) error
}

// Config wires a Service.
type Config struct {
	Registry Registry
	Embedder embedding.Embedder
	Index    Index
	Logger   log.Logger

	// Workers is the pool size. Zero uses DefaultWorkers.
	Workers int

	// QueueSize bounds the pending task channel. Zero uses
	// DefaultQueueSize.
	QueueSize int

	// ChunkSize and ChunkOverlap are in words; zero values use the
	// chunker defaults.
	ChunkSize    int
	ChunkOverlap int
}

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

func (cfg Config) validate() error {
	switch {
	case cfg.Registry == nil:
		return errors.New("registry is required")
	case cfg.Embedder == nil:
		return errors.New("embedder is required")
	case cfg.Index == nil:
		return errors.New("index is required")
	}
	return nil
}

// Service accepts uploads and processes them on a bounded worker pool.
type Service struct {
	cfg    Config
	logger log.Logger
	tasks  chan Task
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService creates a stopped Service; call Start before Submit.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		tasks:  make(chan Task, cfg.QueueSize),
	}, nil
}

// Start launches the worker pool. Workers run until Stop is called or ctx
// is canceled.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx)
		}
		s.logger.Info("ingest workers started",
			"workers", s.cfg.Workers,
			"queue_size", s.cfg.QueueSize)
	})
}

// Stop closes the queue and waits for in-flight tasks to finish. Tasks
// still queued when the workers exit are marked failed so their registry
// rows do not stay in processing forever.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.tasks)
		s.wg.Wait()
		for task := range s.tasks {
			s.fail(context.Background(), task, "service shut down before processing")
		}
	})
}

// Submit registers the document as processing and enqueues its task. The
// record is created before the task is queued so a worker can never race
// ahead of it. Returns ErrQueueFull when the queue is at capacity; the
// record is then marked failed so the status stays truthful.
func (s *Service) Submit(ctx context.Context, task Task) error {
	doc := Document{
		ID:          task.DocumentID,
		OwnerID:     task.OwnerID,
		Collection:  task.Collection,
		Filename:    task.Filename,
		ContentType: task.ContentType,
		Status:      StatusProcessing,
	}
	if err := s.cfg.Registry.Create(ctx, doc); err != nil {
		return fmt.Errorf("register document: %w", err)
	}

	select {
	case s.tasks <- task:
		return nil
	default:
		s.fail(ctx, task, "ingest queue is full")
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Never pick up new work after cancellation; Stop fails whatever
		// is left in the queue.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case task, ok := <-s.tasks:
			if !ok {
				return
			}
			s.process(ctx, task)
		}
	}
}

// process runs one task to a terminal status. Failures land in the
// registry, never on the worker loop.
func (s *Service) process(ctx context.Context, task Task) {
	text, err := ExtractText(task.Data, task.ContentType, task.Filename)
	if err != nil {
		s.fail(ctx, task, fmt.Sprintf("extract: %v", err))
		return
	}

	chunks := ChunkWords(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		s.fail(ctx, task, "no indexable text")
		return
	}

	for i, chunk := range chunks {
		vector, err := s.cfg.Embedder.Embed(ctx, chunk)
		if err != nil {
			s.fail(ctx, task, fmt.Sprintf("embed chunk %d: %v", i, err))
			return
		}
		doc := vecstore.Doc{
			ID:         fmt.Sprintf("%s:%d", task.DocumentID, i),
			Collection: task.Collection,
			Content:    chunk,
			Vector:     vector,
			Metadata: map[string]any{
				"source":      task.Filename,
				"document_id": task.DocumentID.String(),
				"owner_id":    task.OwnerID,
				"chunk_index": i,
			},
		}
		if err := s.cfg.Index.Add(ctx, doc); err != nil {
			s.fail(ctx, task, fmt.Sprintf("index chunk %d: %v", i, err))
			return
		}
	}

	if err := s.cfg.Registry.MarkCompleted(ctx, task.DocumentID, len(chunks)); err != nil {
		s.logger.Error("mark completed failed",
			"document", task.DocumentID,
			"error", err)
		return
	}
	s.logger.Info("document indexed",
		"document", task.DocumentID,
		"collection", task.Collection,
		"chunks", len(chunks))
}

func (s *Service) fail(ctx context.Context, task Task, reason string) {
	s.logger.Warn("document ingestion failed",
		"document", task.DocumentID,
		"reason", reason)
	if err := s.cfg.Registry.MarkFailed(ctx, task.DocumentID, reason); err != nil {
		s.logger.Error("mark failed failed",
			"document", task.DocumentID,
			"error", err)
	}
}
