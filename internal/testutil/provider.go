package testutil

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/provider"
)

// StubProvider is a scripted generation backend.
//
// Thread-safe for concurrent use.
type StubProvider struct {
	mu       sync.Mutex
	result   provider.Result
	err      error
	requests []provider.Request
}

// NewStubProvider creates a stub returning the given result.
func NewStubProvider(content string, tokens int) *StubProvider {
	return &StubProvider{result: provider.Result{Content: content, TokensUsed: tokens}}
}

// FailWith makes every Generate call return err.
func (p *StubProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Requests returns a copy of all recorded generation requests.
func (p *StubProvider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]provider.Request, len(p.requests))
	copy(cp, p.requests)
	return cp
}

// Generate implements provider.Provider.
func (p *StubProvider) Generate(_ context.Context, req provider.Request) (provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.err != nil {
		return provider.Result{}, p.err
	}
	return p.result, nil
}
