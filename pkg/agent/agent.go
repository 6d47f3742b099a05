// Package agent defines the contract between the orchestrator and the
// research/analysis agents it coordinates, plus the result vocabulary and
// retry machinery agents use when talking to providers.
package agent

import (
	"context"
	"errors"
	"time"

	"conductor/pkg/ledger"
	"conductor/pkg/provider"
)

// Status classifies one agent invocation within a cycle.
type Status string

const (
	StatusOk       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Result is the immutable outcome of one agent invocation. Every Result
// belongs to exactly one cycle.
type Result struct {
	AgentID  string        `json:"agent_id"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration"`
}

// Inference is the routed inference surface handed to agents. *router.Router
// satisfies it; tests substitute stubs.
type Inference interface {
	Invoke(ctx context.Context, task *provider.Task) (provider.Result, error)
}

// Agent is one autonomous collaborator invoked once per cycle. Run should
// honor ctx cancellation promptly; overrunning the deadline marks the
// invocation Failed without failing the whole cycle.
type Agent interface {
	ID() string
	Run(ctx context.Context, inf Inference) (detail string, err error)
}

// DegradedError wraps an error an agent survived in reduced form: provider
// unavailable, budget exhausted, retries spent. The orchestrator records the
// invocation as Degraded rather than Failed.
type DegradedError struct {
	Err error
}

func (e *DegradedError) Error() string { return "degraded: " + e.Err.Error() }
func (e *DegradedError) Unwrap() error { return e.Err }

// Degraded wraps err as a DegradedError.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &DegradedError{Err: err}
}

// Classify maps the error from Run to the invocation status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case isDegraded(err):
		return StatusDegraded
	default:
		return StatusFailed
	}
}

func isDegraded(err error) bool {
	var de *DegradedError
	if errors.As(err, &de) {
		return true
	}
	// Routing and budget failures are degradation by contract, even when an
	// agent forgets to wrap them.
	return errors.Is(err, provider.ErrNoProviderAvailable) ||
		errors.Is(err, ledger.ErrBudgetExhausted)
}
