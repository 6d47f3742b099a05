// Package provider defines the uniform inference provider interface and the
// adapters for the supported backends (Anthropic, OpenAI, Gemini, Ollama).
// New backends implement Provider and register; no consumer switches on kind.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task is one unit of inference work submitted by an agent.
type Task struct {
	ID              string // uuid, doubles as the ledger task id
	Class           string // capability tag the provider must carry, e.g. "general"
	LatencyClass    string // config.LatencyInteractive or LatencyBatch
	System          string
	Prompt          string
	MaxOutputTokens int // 0 means the adapter default
}

// Result is a completed inference response.
type Result struct {
	ProviderID string
	Content    string
	TokensIn   int
	TokensOut  int
	CostUSD    float64 // actual cost charged to the ledger
	Duration   time.Duration
}

// Provider is an inference backend with a declared cost and capability profile.
type Provider interface {
	// ID returns the provider account id (unique per configuration entry).
	ID() string
	// Tags returns the capability tags this provider serves.
	Tags() []string
	// LatencyClass returns the declared latency class.
	LatencyClass() string
	// EstimateCost projects the USD cost of a task before invocation.
	EstimateCost(task *Task) float64
	// Invoke performs the inference call. Errors are classified as
	// *TransientError (retryable) or *FatalError (not retryable).
	Invoke(ctx context.Context, task *Task) (Result, error)
}

// ErrNoProviderAvailable is returned when no provider (remote or local
// fallback) can serve a task. Calling agents treat this as Degraded, not fatal.
var ErrNoProviderAvailable = fmt.Errorf("no provider available for task")

// TransientError marks a failure worth retrying with backoff: timeouts,
// rate limits, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: bad requests,
// authentication failures, unknown models.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal provider error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyError wraps an SDK error as transient or fatal based on its shape.
// Context cancellation passes through unwrapped so deadline handling upstream
// sees it directly.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	errStr := err.Error()

	// Network trouble, rate limits, and server errors are retryable.
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "rate") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "overloaded") {
		return &TransientError{Err: err}
	}

	return &FatalError{Err: err}
}

// Registry holds configured providers in registration order.
type Registry struct {
	providers []Provider
	byID      map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Provider)}
}

// Register adds a provider. Duplicate ids are rejected.
func (r *Registry) Register(p Provider) error {
	if _, exists := r.byID[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers = append(r.providers, p)
	r.byID[p.ID()] = p
	return nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns providers in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// HasTag reports whether the provider carries the given capability tag.
func HasTag(p Provider, tag string) bool {
	for _, t := range p.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}
