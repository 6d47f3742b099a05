// Package router selects an inference provider for a task given capability
// tags, latency fit, projected cost, and remaining budget, and drives the
// ledger's reserve/commit protocol around each invocation.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/provider"
)

// ErrNoProviderAvailable aliases the provider package sentinel so callers of
// Select can match it without importing provider.
var ErrNoProviderAvailable = provider.ErrNoProviderAvailable

// Score weights: cost dominates, latency fit breaks larger gaps.
const (
	costWeight      = 0.7
	latencyWeight   = 0.3
	scoreTieEpsilon = 1e-9
)

// InvocationRecorder observes routed invocations for metrics.
type InvocationRecorder interface {
	ObserveInvocation(providerID string, tokensIn, tokensOut int, costUSD float64, success bool, duration time.Duration)
}

// Router picks providers and charges the ledger for their use.
type Router struct {
	registry   *provider.Registry
	ledger     *ledger.Ledger
	fallbackID string // designated zero-cost local provider, "" if none
	recorder   InvocationRecorder
	logger     *logx.Logger
}

// New creates a router. fallbackID names the zero-cost local provider used
// when no remote provider qualifies; empty disables the fallback.
func New(registry *provider.Registry, l *ledger.Ledger, fallbackID string) *Router {
	return &Router{
		registry:   registry,
		ledger:     l,
		fallbackID: fallbackID,
		logger:     logx.NewLogger("router"),
	}
}

// SetRecorder attaches an invocation metrics recorder. Must be called before
// the router is shared across goroutines.
func (r *Router) SetRecorder(rec InvocationRecorder) {
	r.recorder = rec
}

// Select ranks eligible providers for the task and returns the best one.
// Eligible means: capability tags include the task class AND the projected
// cost fits the provider's available credit. Ranking is a weighted score of
// cost and latency fit; ties break on lowest cumulative spend to date.
func (r *Router) Select(task *provider.Task) (provider.Provider, error) {
	type candidate struct {
		p        provider.Provider
		estimate float64
	}

	var candidates []candidate
	maxEstimate := 0.0
	for _, p := range r.registry.All() {
		if !provider.HasTag(p, task.Class) {
			continue
		}
		estimate := p.EstimateCost(task)
		available, err := r.ledger.Available(p.ID())
		if err != nil {
			continue
		}
		if estimate > available {
			continue
		}
		candidates = append(candidates, candidate{p: p, estimate: estimate})
		if estimate > maxEstimate {
			maxEstimate = estimate
		}
	}

	if len(candidates) == 0 {
		return r.fallback(task)
	}

	best := -1
	bestScore := 0.0
	bestSpend := 0.0
	for i := range candidates {
		c := &candidates[i]

		costScore := 0.0
		if maxEstimate > 0 {
			costScore = c.estimate / maxEstimate
		}
		latencyScore := 0.0
		if c.p.LatencyClass() != task.LatencyClass {
			latencyScore = 1.0
		}
		score := costWeight*costScore + latencyWeight*latencyScore

		spend, err := r.ledger.CumulativeSpend(c.p.ID())
		if err != nil {
			spend = 0
		}

		if best < 0 || score < bestScore-scoreTieEpsilon ||
			(score < bestScore+scoreTieEpsilon && spend < bestSpend) {
			best = i
			bestScore = score
			bestSpend = spend
		}
	}

	return candidates[best].p, nil
}

// fallback returns the designated zero-cost local provider if registered.
func (r *Router) fallback(task *provider.Task) (provider.Provider, error) {
	if r.fallbackID == "" {
		return nil, fmt.Errorf("%w: class %q", ErrNoProviderAvailable, task.Class)
	}
	p, ok := r.registry.Get(r.fallbackID)
	if !ok {
		return nil, fmt.Errorf("%w: class %q", ErrNoProviderAvailable, task.Class)
	}
	r.logger.Info("falling back to local provider %s for task %s (class %q)",
		p.ID(), task.ID, task.Class)
	return p, nil
}

// Invoke routes the task to the selected provider under the two-phase budget
// protocol: reserve the estimate, invoke, commit the actual cost. Cancelled
// or failed invocations release the reservation without residue.
func (r *Router) Invoke(ctx context.Context, task *provider.Task) (provider.Result, error) {
	p, err := r.Select(task)
	if err != nil {
		return provider.Result{}, err
	}

	res, err := r.reserve(p, task)
	if err != nil {
		return provider.Result{}, err
	}
	// A losing race against concurrent reservations may have pushed us onto
	// the fallback provider.
	if res.ProviderID != p.ID() {
		if fb, ok := r.registry.Get(res.ProviderID); ok {
			p = fb
		}
	}

	start := time.Now()
	result, err := p.Invoke(ctx, task)
	if err != nil {
		if relErr := r.ledger.Release(res); relErr != nil {
			r.logger.Error("failed to release reservation %s: %v", res.ID, relErr)
		}
		if r.recorder != nil {
			r.recorder.ObserveInvocation(p.ID(), 0, 0, 0, false, time.Since(start))
		}
		return provider.Result{}, err
	}

	if _, err := r.ledger.Commit(res, result.CostUSD); err != nil {
		return provider.Result{}, fmt.Errorf("committing charge for task %s: %w", task.ID, err)
	}
	if r.recorder != nil {
		r.recorder.ObserveInvocation(p.ID(), result.TokensIn, result.TokensOut, result.CostUSD, true, result.Duration)
	}
	return result, nil
}

// reserve places the budget hold, falling back to the local provider if the
// selected one lost a concurrent race for remaining credit.
func (r *Router) reserve(p provider.Provider, task *provider.Task) (*ledger.Reservation, error) {
	res, err := r.ledger.Reserve(p.ID(), task.ID, p.EstimateCost(task))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ledger.ErrBudgetExhausted) || r.fallbackID == "" || p.ID() == r.fallbackID {
		return nil, err
	}

	fb, ok := r.registry.Get(r.fallbackID)
	if !ok {
		return nil, err
	}
	r.logger.Warn("budget race on %s, rerouting task %s to %s", p.ID(), task.ID, fb.ID())
	return r.ledger.Reserve(fb.ID(), task.ID, 0)
}
