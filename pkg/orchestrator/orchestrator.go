// Package orchestrator drives fixed-interval execution cycles over the
// registered agents. At most one cycle runs at any instant: a cycle request
// while one is running is answered with an immediately Skipped cycle, never
// queued, so slow agents cannot build an unbounded backlog.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// ComponentID is the origin id the orchestrator stamps on published events.
const ComponentID = "orchestrator"

// CycleStatus is the lifecycle state of one cycle.
type CycleStatus string

const (
	StatusRunning   CycleStatus = "running"
	StatusCompleted CycleStatus = "completed"
	StatusFailed    CycleStatus = "failed"
	StatusTimedOut  CycleStatus = "timed_out"
	StatusSkipped   CycleStatus = "skipped"
)

// Cycle is one bounded execution round of all registered agents. Results are
// ordered by agent registration order for deterministic reporting.
type Cycle struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Status       CycleStatus    `json:"status"`
	AgentResults []agent.Result `json:"agent_results"`
}

// CycleSummary is published on bus.TopicCycles when a cycle closes,
// regardless of outcome.
type CycleSummary struct {
	CycleID   string         `json:"cycle_id"`
	Status    CycleStatus    `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Results   []agent.Result `json:"results"`
}

func (CycleSummary) Kind() string { return "cycle_summary" }

// AgentResultEvent is published on bus.TopicResults for each agent invocation.
type AgentResultEvent struct {
	CycleID string       `json:"cycle_id"`
	Result  agent.Result `json:"result"`
}

func (AgentResultEvent) Kind() string { return "agent_result" }

// CycleSink receives closed cycles for durable storage.
type CycleSink interface {
	WriteCycle(ctx context.Context, cycle *Cycle) error
}

// Recorder observes cycle and agent outcomes for metrics.
type Recorder interface {
	ObserveCycle(status string, duration time.Duration)
	ObserveAgentResult(agentID, status string)
}

// Orchestrator coordinates the registered agents.
type Orchestrator struct {
	cycleInterval time.Duration
	cycleTimeout  time.Duration
	agentDeadline time.Duration
	failureQuorum int

	agents    []agent.Agent
	inference agent.Inference
	bus       *bus.Bus
	sink      CycleSink
	recorder  Recorder
	logger    *logx.Logger

	// cycleToken is the single global mutual-exclusion point: holding the
	// token means a cycle is running.
	cycleToken chan struct{}

	lastMu    sync.RWMutex
	lastCycle *Cycle
}

// New creates an orchestrator. sink and recorder may be nil.
func New(cfg *config.Config, agents []agent.Agent, inf agent.Inference, b *bus.Bus, sink CycleSink, recorder Recorder) (*Orchestrator, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent must be registered")
	}
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if seen[a.ID()] {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID())
		}
		seen[a.ID()] = true
	}

	o := &Orchestrator{
		cycleInterval: cfg.CycleInterval.Std(),
		cycleTimeout:  cfg.CycleTimeout.Std(),
		agentDeadline: cfg.AgentDeadline.Std(),
		failureQuorum: cfg.AgentFailureQuorum,
		agents:        agents,
		inference:     inf,
		bus:           b,
		sink:          sink,
		recorder:      recorder,
		logger:        logx.NewLogger(ComponentID),
		cycleToken:    make(chan struct{}, 1),
	}
	o.cycleToken <- struct{}{}
	return o, nil
}

// Run executes cycles on the configured interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("cycle loop started (interval %s, timeout %s, %d agents)",
		o.cycleInterval, o.cycleTimeout, len(o.agents))

	ticker := time.NewTicker(o.cycleInterval)
	defer ticker.Stop()

	// First cycle fires immediately rather than waiting a full interval.
	o.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("cycle loop stopped")
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle attempts to run one cycle now. If a cycle is already running it
// returns a Skipped cycle immediately without blocking.
func (o *Orchestrator) RunCycle(ctx context.Context) Cycle {
	select {
	case <-o.cycleToken:
	default:
		skipped := Cycle{
			ID:          uuid.New().String(),
			StartedAt:   time.Now().UTC(),
			CompletedAt: time.Now().UTC(),
			Status:      StatusSkipped,
		}
		o.logger.Warn("cycle request skipped: a cycle is already running")
		o.close(ctx, &skipped)
		return skipped
	}
	defer func() { o.cycleToken <- struct{}{} }()

	cycle := Cycle{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
	o.logger.Info("cycle %s started", cycle.ID)

	cycleCtx, cancel := context.WithTimeout(ctx, o.cycleTimeout)
	defer cancel()

	// One worker per agent; results land at the agent's registration index.
	results := make([]agent.Result, len(o.agents))
	var wg sync.WaitGroup
	for i, a := range o.agents {
		wg.Add(1)
		go func(idx int, a agent.Agent) {
			defer wg.Done()
			results[idx] = o.invokeAgent(cycleCtx, a)
		}(i, a)
	}
	wg.Wait()

	cycle.AgentResults = results
	cycle.CompletedAt = time.Now().UTC()
	cycle.Status = o.resolveStatus(cycleCtx, results)

	o.logger.Info("cycle %s closed: %s (%s)", cycle.ID, cycle.Status,
		cycle.CompletedAt.Sub(cycle.StartedAt).Round(time.Millisecond))
	o.close(ctx, &cycle)
	return cycle
}

// invokeAgent runs one agent under its deadline. The wait is bounded even if
// the agent ignores cancellation: the invocation goroutine is abandoned at
// the deadline and its reservation release is the inference layer's job.
func (o *Orchestrator) invokeAgent(ctx context.Context, a agent.Agent) agent.Result {
	agentCtx, cancel := context.WithTimeout(ctx, o.agentDeadline)
	defer cancel()

	start := time.Now()

	type outcome struct {
		detail string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		detail, err := a.Run(agentCtx, o.inference)
		done <- outcome{detail: detail, err: err}
	}()

	select {
	case out := <-done:
		status := agent.Classify(out.err)
		detail := out.detail
		if out.err != nil {
			detail = out.err.Error()
			o.logger.Warn("agent %s finished %s: %v", a.ID(), status, out.err)
		}
		return agent.Result{
			AgentID:  a.ID(),
			Status:   status,
			Detail:   detail,
			Duration: time.Since(start),
		}
	case <-agentCtx.Done():
		o.logger.Warn("agent %s exceeded its deadline", a.ID())
		return agent.Result{
			AgentID:  a.ID(),
			Status:   agent.StatusFailed,
			Detail:   "invocation deadline exceeded",
			Duration: time.Since(start),
		}
	}
}

// resolveStatus closes the cycle state machine: a failure quorum fails the
// cycle, a spent cycle deadline times it out, anything else completes with
// whatever partial results were recorded.
func (o *Orchestrator) resolveStatus(cycleCtx context.Context, results []agent.Result) CycleStatus {
	failed := 0
	for i := range results {
		if results[i].Status == agent.StatusFailed {
			failed++
		}
	}
	if failed >= o.failureQuorum {
		return StatusFailed
	}
	if cycleCtx.Err() == context.DeadlineExceeded {
		return StatusTimedOut
	}
	return StatusCompleted
}

// close records the cycle, publishes per-agent results and the summary event,
// and updates the last-cycle view. The summary goes out regardless of outcome.
func (o *Orchestrator) close(ctx context.Context, cycle *Cycle) {
	o.lastMu.Lock()
	o.lastCycle = cycle
	o.lastMu.Unlock()

	for i := range cycle.AgentResults {
		result := cycle.AgentResults[i]
		if _, err := o.bus.Publish(bus.TopicResults, ComponentID, AgentResultEvent{
			CycleID: cycle.ID,
			Result:  result,
		}); err != nil {
			o.logger.Error("failed to publish result for agent %s: %v", result.AgentID, err)
		}
		if o.recorder != nil {
			o.recorder.ObserveAgentResult(result.AgentID, string(result.Status))
		}
	}

	summary := CycleSummary{
		CycleID:   cycle.ID,
		Status:    cycle.Status,
		StartedAt: cycle.StartedAt,
		Duration:  cycle.CompletedAt.Sub(cycle.StartedAt),
		Results:   cycle.AgentResults,
	}
	if _, err := o.bus.Publish(bus.TopicCycles, ComponentID, summary); err != nil {
		o.logger.Error("failed to publish cycle summary: %v", err)
	}
	if o.recorder != nil {
		o.recorder.ObserveCycle(string(cycle.Status), summary.Duration)
	}

	if o.sink != nil {
		if err := o.sink.WriteCycle(ctx, cycle); err != nil {
			o.logger.Error("failed to persist cycle %s: %v", cycle.ID, err)
		}
	}
}

// LastCycle returns the most recently closed cycle, if any.
func (o *Orchestrator) LastCycle() (Cycle, bool) {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	if o.lastCycle == nil {
		return Cycle{}, false
	}
	return *o.lastCycle, true
}
