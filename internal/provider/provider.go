// Package provider is the uniform gateway over interchangeable generation
// backends. Each variant owns its own wire shaping (chat-style role arrays
// for OpenAI, a transcript fold for Anthropic, a system-instruction turn
// list for Gemini) but all normalize to the same Result shape.
//
// Backend failures are typed and never retried here; the chat orchestrator
// owns degradation policy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when a request carries no system prompt.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// defaultTimeout bounds a single backend call when Config.Timeout is unset.
const defaultTimeout = 60 * time.Second

// Provider names accepted by the factory.
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameGemini    = "gemini"
)

// Turn roles. These mirror conversation.Role values but keep the package
// free of a persistence dependency.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrUnknownProvider indicates a missing or unrecognized provider name.
// This is a configuration error, reported synchronously at setup.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrEmptyResponse indicates the backend returned no content.
var ErrEmptyResponse = errors.New("empty response from backend")

// Turn is one prior conversation turn supplied as history.
type Turn struct {
	Role    string
	Content string
}

// Request is the provider-neutral generation request.
type Request struct {
	SystemPrompt string
	History      []Turn
	UserInput    string

	// Context is retrieved grounding text. When non-empty it is appended
	// to the effective system prompt before provider-specific formatting.
	Context string

	MaxTokens   int
	Temperature float64
}

// Result is the normalized generation outcome. TokensUsed sums input and
// output accounting into a single non-negative integer; zero signals a
// degraded response, not necessarily an error.
type Result struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
}

// BackendError wraps a provider-level failure (quota, timeout, malformed
// response) with the provider name for logging.
type BackendError struct {
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Provider generates a response from history, user input, and grounding
// context.
type Provider interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// effectiveSystem resolves the system prompt shared policy: substitute the
// default when none given, then append retrieved context.
func effectiveSystem(req Request) string {
	sys := req.SystemPrompt
	if sys == "" {
		sys = DefaultSystemPrompt
	}
	if req.Context != "" {
		sys += "\n\nRelevant context:\n" + req.Context
	}
	return sys
}

// foldTranscript flattens history plus the current input into a
// Human/Assistant transcript for prompt-concatenation backends.
func foldTranscript(history []Turn, userInput string) string {
	var b strings.Builder
	for _, t := range history {
		switch t.Role {
		case RoleUser:
			b.WriteString("Human: ")
			b.WriteString(t.Content)
			b.WriteString("\n\n")
		case RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(t.Content)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("Human: ")
	b.WriteString(userInput)
	b.WriteString("\n\nAssistant:")
	return b.String()
}

// clampTokens normalizes backend token accounting to a non-negative int.
func clampTokens(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}
