package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/database"
	"github.com/parleyhq/parley/internal/embedding"
	"github.com/parleyhq/parley/internal/ingest"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/security"
	"github.com/parleyhq/parley/internal/vecstore"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second

	embedTimeout  = 30 * time.Second
	maxFetchBytes = 10 << 20
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parley HTTP and websocket server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	logger.Info("starting parley", "version", Version, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.DSN()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	gen, err := provider.New(ctx, provider.Config{
		Name:              cfg.Provider,
		Model:             cfg.ModelName,
		APIKey:            cfg.APIKey,
		RequestsPerSecond: cfg.ProviderRPS,
		Burst:             cfg.ProviderBurst,
	})
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	embedKey := cfg.EmbedderAPIKey
	if embedKey == "" {
		embedKey = cfg.APIKey
	}
	gemini, err := embedding.NewGemini(ctx, embedKey, cfg.EmbedderModel)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	embedder := embedding.WithTimeout(gemini, embedTimeout)

	index := vecstore.New(pool, logger.With("component", "vecstore"))
	retriever := retrieval.New(embedder, index, logger.With("component", "retrieval"))
	convStore := conversation.NewStore(pool, logger.With("component", "conversations"))

	orchestrator, err := chat.NewOrchestrator(chat.Config{
		Provider:            gen,
		Store:               convStore,
		Retriever:           retriever,
		Logger:              logger.With("component", "chat"),
		HistoryLimit:        cfg.HistoryLimit,
		Collection:          cfg.Collection,
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		ScopeContextToOwner: true,
		MaxTokens:           cfg.MaxTokens,
		Temperature:         cfg.Temperature,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	admitter, err := newAdmission(cfg, logger)
	if err != nil {
		return err
	}
	policy := admission.Policy{Limit: cfg.RateLimit, Window: cfg.RateWindow()}

	registry := ingest.NewPGRegistry(pool)
	ingestor, err := ingest.NewService(ingest.Config{
		Registry:     registry,
		Embedder:     embedder,
		Index:        index,
		Logger:       logger.With("component", "ingest"),
		Workers:      cfg.IngestWorkers,
		QueueSize:    cfg.IngestQueueSize,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("creating ingest service: %w", err)
	}
	ingestor.Start(ctx)
	defer ingestor.Stop()

	fetcher := ingest.NewFetcher(security.NewURLGuard(), maxFetchBytes, 0)

	authenticator, err := newAuthenticator(cfg, logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger.With("component", "hub"))
	wsHandler, err := realtime.NewHandler(realtime.HandlerConfig{
		Authenticator: authenticator,
		Conversations: convStore,
		Orchestrator:  orchestrator,
		Admission:     admitter,
		Policy:        policy,
		Hub:           hub,
		Logger:        logger.With("component", "realtime"),
	})
	if err != nil {
		return fmt.Errorf("creating websocket handler: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:              logger.With("component", "api"),
		Authenticator:       authenticator,
		Admission:           admitter,
		Policy:              policy,
		Orchestrator:        orchestrator,
		Conversations:       convStore,
		Retriever:           retriever,
		Collections:         index,
		Ingestor:            ingestor,
		Registry:            registry,
		Fetcher:             fetcher,
		Realtime:            wsHandler,
		Pool:                pool,
		Collection:          cfg.Collection,
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"ws", "/ws/{conversation_id}",
		"health", "/healthz, /readyz",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// newAdmission builds the admission controller. With a Redis address the
// window counters are shared across nodes; without one they are
// in-process only.
func newAdmission(cfg *config.Config, logger log.Logger) (*admission.Controller, error) {
	mode := admission.FailClosed
	if cfg.RateFailureMode == config.FailModeOpen {
		mode = admission.FailOpen
	}

	var store admission.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store = admission.NewRedisStore(client)
		logger.Info("admission store", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		store = admission.NewMemoryStore()
		logger.Warn("admission store is in-process, counters are per-node", "backend", "memory")
	}

	return admission.NewController(store, logger.With("component", "admission"),
		admission.WithFailureMode(mode)), nil
}

func newAuthenticator(cfg *config.Config, logger log.Logger) (api.Authenticator, error) {
	if cfg.AuthTokens == "" {
		logger.Warn("no auth tokens configured, running in single-user mode")
		return api.SingleUserAuthenticator{}, nil
	}
	auth, err := api.NewTokenAuthenticator(cfg.AuthTokens)
	if err != nil {
		return nil, fmt.Errorf("parsing auth tokens: %w", err)
	}
	return auth, nil
}
