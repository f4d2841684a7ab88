// Package admission implements sliding-window-log admission control.
//
// Every inbound turn passes through a Controller before any downstream work
// happens. The controller records individual admission events per identity
// in a counting Store and decides each request against a Policy (limit per
// trailing window). Rejections carry machine-readable metadata (limit,
// remaining, reset, retry-after) so callers can surface it to clients.
//
// The counting store is the only state shared across concurrent callers;
// each store implementation applies the purge/count/record sequence as one
// atomic unit per decision to bound over-admission under race.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/log"
)

// Sentinel errors for admission operations.
var (
	// ErrStoreUnavailable indicates the counting store could not be reached.
	ErrStoreUnavailable = errors.New("admission store unavailable")

	// ErrInvalidPolicy indicates a non-positive limit or window.
	ErrInvalidPolicy = errors.New("invalid admission policy")
)

// Policy defines a rate limit: at most Limit admitted events per identity
// within a trailing Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 || p.Window <= 0 {
		return fmt.Errorf("%w: limit=%d window=%s", ErrInvalidPolicy, p.Limit, p.Window)
	}
	return nil
}

// Decision is the immutable outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is the recommended wait before retrying.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// DeniedError wraps a rejecting Decision so handlers can translate it into
// structured response metadata (429 headers, websocket frames).
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %s", e.Decision.RetryAfter)
}

// FailureMode selects the behavior when the counting store is unreachable.
// Unavailability never silently bypasses limits: FailOpen admits with a
// logged error, FailClosed denies with ErrStoreUnavailable.
type FailureMode int

const (
	// FailClosed denies admission when the store is unreachable (default).
	FailClosed FailureMode = iota

	// FailOpen admits when the store is unreachable.
	FailOpen
)

// Store is the counting store consumed by the Controller.
//
// Take atomically removes events recorded before now-window, counts the
// remaining events for key, and, when cost > 0 and count+cost <= limit,
// records a new event stamped now with expiry of one window. It returns the
// event count observed before this check. A cost of zero is a read-only
// probe and must not mutate state.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, limit, cost int) (int, error)
}

// Controller gatekeeps downstream work by identity and cost.
// Safe for concurrent use.
type Controller struct {
	store   Store
	mode    FailureMode
	logger  log.Logger
	nowFunc func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithFailureMode sets the store-unavailable behavior.
func WithFailureMode(mode FailureMode) Option {
	return func(c *Controller) { c.mode = mode }
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// NewController creates a Controller backed by the given counting store.
func NewController(store Store, logger log.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Controller{
		store:   store,
		mode:    FailClosed,
		logger:  logger,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check decides whether a request of the given cost for identity is admitted
// under pol. cost=1 for ordinary requests, higher for expensive operations,
// 0 for a read-only probe that never charges the window.
//
// On denial the returned error is a *DeniedError carrying the Decision; the
// Decision itself is also returned so callers can read metadata either way.
func (c *Controller) Check(ctx context.Context, identity string, pol Policy, cost int) (Decision, error) {
	if err := pol.validate(); err != nil {
		return Decision{}, err
	}
	if cost < 0 {
		return Decision{}, fmt.Errorf("%w: negative cost %d", ErrInvalidPolicy, cost)
	}

	now := c.nowFunc()
	key := windowKey(identity, pol.Window)

	count, err := c.store.Take(ctx, key, now, pol.Window, pol.Limit, cost)
	if err != nil {
		return c.onStoreFailure(identity, pol, now, err)
	}

	allowed := count+cost <= pol.Limit
	dec := Decision{
		Allowed: allowed,
		Limit:   pol.Limit,
		Reset:   now.Add(pol.Window),
	}
	if allowed {
		dec.Remaining = max(0, pol.Limit-count-cost)
		return dec, nil
	}

	dec.Remaining = max(0, pol.Limit-count)
	dec.RetryAfter = pol.Window
	c.logger.Warn("admission denied",
		"identity", identity,
		"limit", pol.Limit,
		"window", pol.Window,
		"count", count,
		"cost", cost)
	return dec, &DeniedError{Decision: dec}
}

// onStoreFailure applies the configured failure mode. The store error is
// always logged; it is never a silent bypass.
func (c *Controller) onStoreFailure(identity string, pol Policy, now time.Time, err error) (Decision, error) {
	dec := Decision{
		Limit: pol.Limit,
		Reset: now.Add(pol.Window),
	}

	if c.mode == FailOpen {
		c.logger.Error("admission store unreachable, failing open",
			"identity", identity, "error", err)
		dec.Allowed = true
		dec.Remaining = pol.Limit
		return dec, nil
	}

	c.logger.Error("admission store unreachable, failing closed",
		"identity", identity, "error", err)
	dec.RetryAfter = pol.Window
	return dec, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// windowKey builds the store key for an identity and window length.
// Distinct windows for the same identity count independently.
func windowKey(identity string, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", identity, int(window.Seconds()))
}
