package testkit

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/provider"
)

// StubProvider is a scriptable provider for router and orchestrator tests.
type StubProvider struct {
	ProviderID string
	TagList    []string
	Latency    string
	Estimate   float64 // EstimateCost return value
	ActualCost float64 // CostUSD on successful Invoke
	Reply      string
	Err        error         // returned from Invoke when set
	Delay      time.Duration // Invoke blocks this long (or until ctx cancels)

	mu      sync.Mutex
	invoked int
}

func (s *StubProvider) ID() string           { return s.ProviderID }
func (s *StubProvider) Tags() []string       { return s.TagList }
func (s *StubProvider) LatencyClass() string { return s.Latency }

func (s *StubProvider) EstimateCost(_ *provider.Task) float64 { return s.Estimate }

// Invoke returns the scripted reply or error after the scripted delay.
func (s *StubProvider) Invoke(ctx context.Context, task *provider.Task) (provider.Result, error) {
	s.mu.Lock()
	s.invoked++
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return provider.Result{}, s.Err
	}
	return provider.Result{
		ProviderID: s.ProviderID,
		Content:    s.Reply,
		TokensIn:   len(task.Prompt) / 4,
		TokensOut:  len(s.Reply) / 4,
		CostUSD:    s.ActualCost,
		Duration:   s.Delay,
	}, nil
}

// Invocations returns how many times Invoke was called.
func (s *StubProvider) Invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoked
}

// StubInference satisfies agent.Inference with a fixed result or error.
type StubInference struct {
	Result provider.Result
	Err    error

	mu    sync.Mutex
	tasks []*provider.Task
}

// Invoke records the task and returns the scripted outcome.
func (s *StubInference) Invoke(_ context.Context, task *provider.Task) (provider.Result, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	if s.Err != nil {
		return provider.Result{}, s.Err
	}
	return s.Result, nil
}

// Tasks returns the tasks passed to Invoke so far.
func (s *StubInference) Tasks() []*provider.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*provider.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}
