// Package guardian implements the independent health supervision sweep.
//
// A sweep is a stateless function over read-only snapshots: storage
// reachability, ledger audit consistency, and recent cycle history. Guardian
// never mutates ledger or cycle state; it only observes and emits findings,
// so it cannot destabilize the system it supervises. Reactions to findings
// (halting reservations on a ledger mismatch) are wired by the caller.
package guardian

import (
	"context"
	"fmt"
	"math"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/orchestrator"
)

// ComponentID is the origin id guardian stamps on published events.
const ComponentID = "guardian"

// creditEpsilon bounds float drift tolerated before a ledger cross-check
// counts as a mismatch.
const creditEpsilon = 1e-6

// Severity ranks a finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Finding is one structured observation about system integrity or degradation.
type Finding struct {
	Severity    Severity  `json:"severity"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

func (Finding) Kind() string { return "health_finding" }

// MaxSeverity returns the highest severity present, or SeverityInfo for an
// empty set. The guardian-scan exit code is derived from this.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityInfo
	for i := range findings {
		if findings[i].Severity > max {
			max = findings[i].Severity
		}
	}
	return max
}

// Storage is the read-only persistence surface a sweep inspects.
type Storage interface {
	Ping(ctx context.Context) error
	ReadRecentCycles(ctx context.Context, n int) ([]orchestrator.Cycle, error)
}

// FindingSink receives findings for durable storage.
type FindingSink interface {
	WriteHealthFinding(ctx context.Context, finding *Finding) error
}

// LedgerSource exposes the ledger views a sweep cross-checks.
type LedgerSource interface {
	Snapshot() ledger.Snapshot
	Halted() bool
}

// Guardian runs health sweeps on its own timer, decoupled from cycles.
type Guardian struct {
	storage  Storage
	ledger   LedgerSource
	bus      *bus.Bus    // optional: loop publishes findings on TopicHealth
	sink     FindingSink // optional: findings written for the record
	interval time.Duration

	failureWindow    int // recent cycles inspected
	failureThreshold int // repeats that escalate Info -> Warning

	// onLedgerMismatch fires once per sweep that detects a ledger integrity
	// failure. The engine wires this to halting new reservations.
	onLedgerMismatch func()

	logger *logx.Logger
}

// Option configures optional guardian wiring.
type Option func(*Guardian)

// WithBus publishes loop findings on the given bus.
func WithBus(b *bus.Bus) Option {
	return func(g *Guardian) { g.bus = b }
}

// WithSink writes findings through the given sink.
func WithSink(sink FindingSink) Option {
	return func(g *Guardian) { g.sink = sink }
}

// WithLedgerMismatchHook registers the integrity reaction callback.
func WithLedgerMismatchHook(fn func()) Option {
	return func(g *Guardian) { g.onLedgerMismatch = fn }
}

// New creates a guardian.
func New(storage Storage, ledgerSrc LedgerSource, interval time.Duration, failureWindow, failureThreshold int, opts ...Option) *Guardian {
	g := &Guardian{
		storage:          storage,
		ledger:           ledgerSrc,
		interval:         interval,
		failureWindow:    failureWindow,
		failureThreshold: failureThreshold,
		logger:           logx.NewLogger(ComponentID),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run sweeps on the configured interval until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) {
	g.logger.Info("sweep loop started (interval %s)", g.interval)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			findings := g.Sweep(ctx)
			g.report(ctx, findings)
		}
	}
}

// Sweep performs one health inspection and returns its findings.
func (g *Guardian) Sweep(ctx context.Context) []Finding {
	var findings []Finding

	storageUp := true
	if err := g.storage.Ping(ctx); err != nil {
		storageUp = false
		findings = append(findings, Finding{
			Severity:    SeverityCritical,
			Subject:     "storage",
			Description: fmt.Sprintf("persistence gateway unreachable: %v", err),
			DetectedAt:  time.Now().UTC(),
		})
	}

	findings = append(findings, g.checkLedger()...)

	if storageUp {
		findings = append(findings, g.checkAgentHistory(ctx)...)
	}

	return findings
}

// checkLedger cross-checks the audit trail against remaining credit.
// Invariant per account: initial credit minus charges since the last reset
// equals the current balance, and the balance is never negative.
func (g *Guardian) checkLedger() []Finding {
	var findings []Finding
	snap := g.ledger.Snapshot()

	for i := range snap.Accounts {
		acct := &snap.Accounts[i]

		if acct.CreditRemaining < -creditEpsilon {
			findings = append(findings, Finding{
				Severity:    SeverityCritical,
				Subject:     "ledger:" + acct.ProviderID,
				Description: fmt.Sprintf("negative balance %.6f USD", acct.CreditRemaining),
				DetectedAt:  time.Now().UTC(),
			})
			continue
		}

		expected := acct.InitialCredit - acct.ChargedSince
		if math.Abs(expected-acct.CreditRemaining) > creditEpsilon {
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Subject:  "ledger:" + acct.ProviderID,
				Description: fmt.Sprintf(
					"audit mismatch: initial %.6f - charged %.6f = %.6f, but balance is %.6f",
					acct.InitialCredit, acct.ChargedSince, expected, acct.CreditRemaining),
				DetectedAt: time.Now().UTC(),
			})
		}
	}

	if len(findings) > 0 && g.onLedgerMismatch != nil {
		g.onLedgerMismatch()
	}
	return findings
}

// checkAgentHistory inspects recent cycles for repeated failures of the same
// agent. One failure in the window is informational; at or above the
// threshold it becomes a Warning (drift/regression suspicion).
func (g *Guardian) checkAgentHistory(ctx context.Context) []Finding {
	cycles, err := g.storage.ReadRecentCycles(ctx, g.failureWindow)
	if err != nil {
		return []Finding{{
			Severity:    SeverityWarning,
			Subject:     "storage",
			Description: fmt.Sprintf("failed to read recent cycles: %v", err),
			DetectedAt:  time.Now().UTC(),
		}}
	}

	failures := make(map[string]int)
	var order []string
	for i := range cycles {
		for j := range cycles[i].AgentResults {
			result := &cycles[i].AgentResults[j]
			if result.Status != agent.StatusFailed {
				continue
			}
			if _, seen := failures[result.AgentID]; !seen {
				order = append(order, result.AgentID)
			}
			failures[result.AgentID]++
		}
	}

	var findings []Finding
	for _, agentID := range order {
		count := failures[agentID]
		severity := SeverityInfo
		description := fmt.Sprintf("agent failed in %d of the last %d cycles", count, len(cycles))
		if count >= g.failureThreshold {
			severity = SeverityWarning
			description = fmt.Sprintf(
				"agent failed %d times in the last %d cycles (threshold %d): possible regression",
				count, len(cycles), g.failureThreshold)
		}
		findings = append(findings, Finding{
			Severity:    severity,
			Subject:     "agent:" + agentID,
			Description: description,
			DetectedAt:  time.Now().UTC(),
		})
	}
	return findings
}

// report publishes and records a sweep's findings.
func (g *Guardian) report(ctx context.Context, findings []Finding) {
	for i := range findings {
		finding := findings[i]
		g.logger.Info("finding [%s] %s: %s", finding.Severity, finding.Subject, finding.Description)

		if g.bus != nil {
			if _, err := g.bus.Publish(bus.TopicHealth, ComponentID, finding); err != nil {
				g.logger.Error("failed to publish finding: %v", err)
			}
		}
		if g.sink != nil {
			if err := g.sink.WriteHealthFinding(ctx, &finding); err != nil {
				g.logger.Error("failed to record finding: %v", err)
			}
		}
	}
}

// OverflowFinding converts a bus queue overflow into the Warning finding the
// health topic carries for it.
func OverflowFinding(overflow bus.QueueOverflow) Finding {
	return Finding{
		Severity: SeverityWarning,
		Subject:  "bus:" + overflow.Subscriber,
		Description: fmt.Sprintf("queue overflow on topic %q: dropped event seq %d",
			overflow.Topic, overflow.DroppedSeq),
		DetectedAt: time.Now().UTC(),
	}
}
