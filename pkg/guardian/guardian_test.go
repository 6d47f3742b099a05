package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/ledger"
	"conductor/pkg/orchestrator"
)

// fakeStorage scripts the persistence surface a sweep inspects.
type fakeStorage struct {
	pingErr   error
	cycles    []orchestrator.Cycle
	cyclesErr error
}

func (f *fakeStorage) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeStorage) ReadRecentCycles(_ context.Context, n int) ([]orchestrator.Cycle, error) {
	if f.cyclesErr != nil {
		return nil, f.cyclesErr
	}
	if n > len(f.cycles) {
		n = len(f.cycles)
	}
	return f.cycles[:n], nil
}

func healthyLedger() *ledger.Ledger {
	return ledger.New(map[string]float64{"claude-main": 10})
}

func cycleWithResults(results ...agent.Result) orchestrator.Cycle {
	return orchestrator.Cycle{
		ID:           "c",
		StartedAt:    time.Now().UTC(),
		CompletedAt:  time.Now().UTC(),
		Status:       orchestrator.StatusCompleted,
		AgentResults: results,
	}
}

func TestSweepHealthySystemHasNoFindings(t *testing.T) {
	g := New(&fakeStorage{}, healthyLedger(), time.Minute, 5, 3)

	findings := g.Sweep(context.Background())
	assert.Empty(t, findings)
}

// TestUnreachableStorageIsExactlyOneCritical verifies the rubric entry for a
// dead persistence gateway, and that history checks are skipped rather than
// piled on as extra findings.
func TestUnreachableStorageIsExactlyOneCritical(t *testing.T) {
	storage := &fakeStorage{pingErr: errors.New("connection refused")}
	g := New(storage, healthyLedger(), time.Minute, 5, 3)

	findings := g.Sweep(context.Background())

	require.Len(t, findings, 1)
	assert.Equal(t, SeverityCritical, findings[0].Severity)
	assert.Equal(t, "storage", findings[0].Subject)
}

func TestLedgerMismatchIsCriticalAndFiresHook(t *testing.T) {
	// A snapshot whose balance disagrees with initial - charged.
	src := &staticSource{snap: ledger.Snapshot{
		Accounts: []ledger.AccountSnapshot{{
			ProviderID:      "claude-main",
			InitialCredit:   10,
			CreditRemaining: 7,
			ChargedSince:    1, // expected balance 9, found 7
		}},
	}}

	hookFired := false
	g := New(&fakeStorage{}, src, time.Minute, 5, 3,
		WithLedgerMismatchHook(func() { hookFired = true }))

	findings := g.Sweep(context.Background())

	require.Len(t, findings, 1)
	assert.Equal(t, SeverityCritical, findings[0].Severity)
	assert.Equal(t, "ledger:claude-main", findings[0].Subject)
	assert.True(t, hookFired)
}

func TestNegativeBalanceIsCritical(t *testing.T) {
	src := &staticSource{snap: ledger.Snapshot{
		Accounts: []ledger.AccountSnapshot{{
			ProviderID:      "claude-main",
			InitialCredit:   10,
			CreditRemaining: -0.5,
			ChargedSince:    10.5,
		}},
	}}
	g := New(&fakeStorage{}, src, time.Minute, 5, 3)

	findings := g.Sweep(context.Background())
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityCritical, findings[0].Severity)
}

func TestSingleAgentFailureIsInfo(t *testing.T) {
	storage := &fakeStorage{cycles: []orchestrator.Cycle{
		cycleWithResults(agent.Result{AgentID: "collector", Status: agent.StatusFailed}),
		cycleWithResults(agent.Result{AgentID: "collector", Status: agent.StatusOk}),
	}}
	g := New(storage, healthyLedger(), time.Minute, 5, 3)

	findings := g.Sweep(context.Background())

	require.Len(t, findings, 1)
	assert.Equal(t, SeverityInfo, findings[0].Severity)
	assert.Equal(t, "agent:collector", findings[0].Subject)
}

func TestRepeatedAgentFailureEscalatesToWarning(t *testing.T) {
	failed := agent.Result{AgentID: "collector", Status: agent.StatusFailed}
	storage := &fakeStorage{cycles: []orchestrator.Cycle{
		cycleWithResults(failed),
		cycleWithResults(failed),
		cycleWithResults(failed),
		cycleWithResults(agent.Result{AgentID: "collector", Status: agent.StatusOk}),
	}}
	g := New(storage, healthyLedger(), time.Minute, 5, 3)

	findings := g.Sweep(context.Background())

	require.Len(t, findings, 1)
	assert.Equal(t, SeverityWarning, findings[0].Severity)
	assert.Contains(t, findings[0].Description, "possible regression")
}

func TestDegradedResultsAreNotFailures(t *testing.T) {
	storage := &fakeStorage{cycles: []orchestrator.Cycle{
		cycleWithResults(agent.Result{AgentID: "collector", Status: agent.StatusDegraded}),
		cycleWithResults(agent.Result{AgentID: "collector", Status: agent.StatusDegraded}),
	}}
	g := New(storage, healthyLedger(), time.Minute, 5, 3)

	assert.Empty(t, g.Sweep(context.Background()))
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityInfo, MaxSeverity(nil))
	assert.Equal(t, SeverityWarning, MaxSeverity([]Finding{
		{Severity: SeverityInfo}, {Severity: SeverityWarning},
	}))
	assert.Equal(t, SeverityCritical, MaxSeverity([]Finding{
		{Severity: SeverityCritical}, {Severity: SeverityWarning},
	}))
}

// staticSource serves a fixed snapshot as the ledger view.
type staticSource struct {
	snap ledger.Snapshot
}

func (s *staticSource) Snapshot() ledger.Snapshot { return s.snap }
func (s *staticSource) Halted() bool              { return false }
