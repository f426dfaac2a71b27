// Package provider executes generation calls against an ordered chain of
// model backends. The executor tries candidates strictly in configured
// order under a shared time budget and falls back to a built-in static
// responder when the whole chain is exhausted, so callers always get either
// an answer or a classified error, never a crash.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one turn of the prompt sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt roles. Backends translate these into their own wire roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reply is a successful generation.
type Reply struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Generator is a single backend capable of answering a prompt.
type Generator interface {
	// Name identifies the backend in logs and attempt records.
	Name() string
	// Model is the model the backend will answer with.
	Model() string
	// Generate answers the prompt. Failures should be returned as *Error
	// so the executor can classify them; a bare error is treated as
	// retryable-elsewhere.
	Generate(ctx context.Context, msgs []Message) (Reply, error)
}

// Kind classifies a backend failure for the fallback decision.
type Kind int

const (
	// KindUnavailable covers capacity, not-found and transport failures.
	// The next candidate may well succeed.
	KindUnavailable Kind = iota
	// KindTimeout means the attempt slice expired before an answer.
	KindTimeout
	// KindRejected means the backend judged the request itself malformed.
	// Trying another backend with the same request is pointless.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a classified backend failure.
type Error struct {
	Backend string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the next candidate in the chain should be
// attempted after this failure.
func (e *Error) Retryable() bool { return e.Kind != KindRejected }

// ErrExhausted is returned when every candidate failed and no last-resort
// responder could answer.
var ErrExhausted = errors.New("all providers exhausted")

// Attempt records one try against one backend. The executor returns the
// full list so operators can see exactly which backend answered and why
// the ones before it did not.
type Attempt struct {
	Backend string        `json:"backend"`
	Model   string        `json:"model"`
	Outcome string        `json:"outcome"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}
