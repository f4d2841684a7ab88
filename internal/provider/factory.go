package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config selects and configures a generation backend.
type Config struct {
	// Name selects the variant: "openai", "anthropic", or "gemini".
	Name string

	// Model is the provider-qualified model identifier.
	Model string

	// APIKey authenticates against the backend.
	APIKey string

	// Timeout bounds each backend call. Zero uses a 60s default.
	Timeout time.Duration

	// RequestsPerSecond paces calls to the backend proactively.
	// Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// New creates the configured Provider. A missing or unknown name is an
// ErrUnknownProvider configuration error; nothing is silently defaulted.
func New(ctx context.Context, cfg Config) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch cfg.Name {
	case NameOpenAI:
		p, err = newOpenAI(cfg)
	case NameAnthropic:
		p, err = newAnthropic(cfg)
	case NameGemini:
		p, err = newGemini(ctx, cfg)
	case "":
		return nil, fmt.Errorf("%w: provider name is empty", ErrUnknownProvider)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p = &timed{inner: p, name: cfg.Name, timeout: timeout}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p = &paced{inner: p, limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)}
	}
	return p, nil
}

// timed bounds each backend call with a deadline and converts deadline
// expiry into a typed BackendError so the turn never hangs.
type timed struct {
	inner   Provider
	name    string
	timeout time.Duration
}

func (t *timed) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.inner.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &BackendError{
				Provider: t.name,
				Err:      fmt.Errorf("timeout after %s: %w", t.timeout, err),
			}
		}
		return Result{}, err
	}
	return res, nil
}

// paced applies proactive client-side pacing before each call so the
// backend's own quota errors stay rare.
type paced struct {
	inner   Provider
	limiter *rate.Limiter
}

func (p *paced) Generate(ctx context.Context, req Request) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter wait: %w", err)
	}
	return p.inner.Generate(ctx, req)
}
