// Package provider defines the unified streaming interface that every
// model backend (Anthropic, OpenAI, Google, Bedrock, a local HTTP
// endpoint, the deterministic test model, and the silent/meditation
// provider) implements, plus the retry and error-taxonomy machinery
// shared by all of them.
package provider

import (
	"context"
	"time"
)

// Chunk is a single piece of a streamed response. A stream ends when
// either Done is true or Err is non-nil; consumers should stop reading
// after either.
type Chunk struct {
	Text string

	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool

	Done bool
	Err  error
}

// Message is one turn of conversation history sent to a provider.
// Role is "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Request is everything a provider needs to produce one streamed reply.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64

	EnableThinking bool
	ThinkingBudget int
}

// Usage reports token accounting for the most recently completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the interface every vendor backend implements. A Provider
// is constructed once per agent and reused across all turns of a
// conversation; it is not safe for concurrent use by multiple
// conversations unless the implementation says otherwise.
type Provider interface {
	// Stream sends req and returns a channel of Chunks. The channel is
	// closed after the terminal chunk (Done or Err) is delivered.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// LastUsage returns token usage for the most recently completed
	// Stream call. Valid only after the returned channel has closed.
	LastUsage() Usage

	// Name returns the provider's identifier, used in logs and events.
	Name() string

	// Cleanup releases any resources (connections, temp files) held by
	// the provider. Safe to call multiple times.
	Cleanup() error
}

// RetryPolicy is the contract providers use for transient failures:
// base 1s, factor 2, capped at 60s, jitter up to half the base delay.
// It reuses the teacher's backoff.BackoffPolicy formula unmodified;
// only the constants are Pidgin's own.
const (
	RetryInitialDelay = 1 * time.Second
	RetryMaxDelay     = 60 * time.Second
	RetryFactor       = 2.0
	RetryJitter       = 0.5
	RetryMaxAttempts  = 3
)
