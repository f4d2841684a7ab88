// Package chat orchestrates a single request/response cycle: history
// loading, optional context retrieval, generation, and turn persistence.
//
// Degradation policy lives here. Retrieval failures already degrade to
// no-context inside the retriever; generation failures degrade to a fixed
// fallback result so every admitted request yields a deliverable response.
// Only persistence failures propagate, because a turn that cannot be
// recorded must not pretend to have happened.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/retrieval"
)

// FallbackContent is returned when generation fails. Indistinguishable from
// a low-confidence answer at the content level; the failure itself is
// logged as a failure.
const FallbackContent = "I apologize, but I encountered an error while processing your request. Please try again."

// DefaultHistoryLimit bounds the history window loaded per turn.
const DefaultHistoryLimit = 20

// ErrExecutionFailed indicates the turn could not be completed at all
// (persistence failure, not a degraded generation).
var ErrExecutionFailed = errors.New("turn execution failed")

// TurnStore is the persistence consumed by the Orchestrator.
type TurnStore interface {
	AppendTurn(ctx context.Context, conversationID uuid.UUID, role, content string, tokenCount int) (*conversation.Turn, error)
	RecentTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Turn, error)
}

// ContextRetriever supplies grounding documents for a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, p retrieval.Params) []retrieval.Document
}

// TurnEvents carries optional hooks invoked as a turn progresses, so the
// realtime handler can broadcast intermediate state. Hooks run under the
// conversation's turn lock; keep them fast.
type TurnEvents struct {
	// UserSaved fires after the user turn is persisted.
	UserSaved func(conversation.Turn)

	// AssistantSaved fires after the assistant turn is persisted.
	AssistantSaved func(conversation.Turn)
}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Provider  provider.Provider
	Store     TurnStore
	Retriever ContextRetriever // nil disables grounding entirely
	Logger    log.Logger

	// HistoryLimit is the bounded history window. Zero uses the default.
	HistoryLimit int

	// Retrieval defaults applied per turn.
	Collection          string
	TopK                int
	SimilarityThreshold float64

	// ScopeContextToOwner restricts retrieval to documents whose metadata
	// carries the conversation owner's id.
	ScopeContextToOwner bool

	// Generation parameters forwarded to the provider.
	MaxTokens   int
	Temperature float64
}

func (cfg Config) validate() error {
	if cfg.Provider == nil {
		return errors.New("provider is required")
	}
	if cfg.Store == nil {
		return errors.New("turn store is required")
	}
	return nil
}

// Orchestrator ties history, retrieval, generation, and persistence into
// one turn cycle. Safe for concurrent use; turns for the same conversation
// are serialized, turns for different conversations run in parallel.
type Orchestrator struct {
	cfg    Config
	logger log.Logger
	locks  keyedLocks
}

// NewOrchestrator creates an Orchestrator from cfg.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		locks:  keyedLocks{entries: make(map[uuid.UUID]*lockEntry)},
	}, nil
}

// ProduceTurn runs one full turn for an already-admitted user message:
// persist the user turn, load history, optionally retrieve context,
// generate, persist the assistant turn.
//
// The conversation's turn lock is held for the whole cycle, so a second
// message for the same conversation cannot begin generation before this
// one's persistence completes. Generation and retrieval failures degrade
// to FallbackContent with zero tokens; persistence failures return an
// error (wrapping conversation.ErrNotAccessible when the conversation was
// closed underneath us).
func (o *Orchestrator) ProduceTurn(ctx context.Context, conv *conversation.Conversation, userMessage string, includeContext bool, events TurnEvents) (provider.Result, error) {
	o.locks.lock(conv.ID)
	defer o.locks.unlock(conv.ID)

	history, err := o.cfg.Store.RecentTurns(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		return provider.Result{}, fmt.Errorf("%w: load history: %w", ErrExecutionFailed, err)
	}

	userTurn, err := o.cfg.Store.AppendTurn(ctx, conv.ID, conversation.RoleUser, userMessage, 0)
	if err != nil {
		return provider.Result{}, fmt.Errorf("%w: persist user turn: %w", ErrExecutionFailed, err)
	}
	if events.UserSaved != nil {
		events.UserSaved(*userTurn)
	}

	result := o.generate(ctx, conv, history, userMessage, includeContext)

	assistantTurn, err := o.cfg.Store.AppendTurn(ctx, conv.ID, conversation.RoleAssistant, result.Content, result.TokensUsed)
	if err != nil {
		return provider.Result{}, fmt.Errorf("%w: persist assistant turn: %w", ErrExecutionFailed, err)
	}
	if events.AssistantSaved != nil {
		events.AssistantSaved(*assistantTurn)
	}
	return result, nil
}

// generate runs retrieval and the backend call, degrading to the fallback
// result on any failure.
func (o *Orchestrator) generate(ctx context.Context, conv *conversation.Conversation, history []conversation.Turn, userMessage string, includeContext bool) provider.Result {
	var contextText string
	if includeContext && o.cfg.Retriever != nil {
		params := retrieval.Params{
			Collection:          o.cfg.Collection,
			TopK:                o.cfg.TopK,
			SimilarityThreshold: o.cfg.SimilarityThreshold,
		}
		if o.cfg.ScopeContextToOwner {
			params.Filters = map[string]any{"owner_id": conv.OwnerID}
		}
		contextText = retrieval.PrepareContext(o.cfg.Retriever.Retrieve(ctx, userMessage, params))
	}

	result, err := o.cfg.Provider.Generate(ctx, provider.Request{
		SystemPrompt: conv.SystemPrompt,
		History:      toProviderTurns(history),
		UserInput:    userMessage,
		Context:      contextText,
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	})
	if err != nil {
		// Degraded response, observable as a failure in logs only.
		o.logger.Error("generation failed, returning fallback",
			"conversation", conv.ID,
			"provider_error", err)
		return provider.Result{Content: FallbackContent, TokensUsed: 0}
	}
	return result
}

// toProviderTurns converts persisted turns into the provider-neutral shape.
func toProviderTurns(turns []conversation.Turn) []provider.Turn {
	out := make([]provider.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, provider.Turn{Role: t.Role, Content: t.Content})
	}
	return out
}

// keyedLocks serializes turns per conversation id. Entries are refcounted
// and removed when the last holder releases, so idle conversations leave
// no residue.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(id uuid.UUID) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedLocks) unlock(id uuid.UUID) {
	k.mu.Lock()
	e := k.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
