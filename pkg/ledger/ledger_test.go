package ledger

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *Ledger {
	return New(map[string]float64{
		"claude-main": 10.0,
		"gpt-batch":   5.0,
		"local-0":     0.0,
	})
}

func TestReserveCommitChargesActual(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 2.0)
	require.NoError(t, err)

	entry, err := l.Commit(res, 1.5)
	require.NoError(t, err)
	assert.Equal(t, "claude-main", entry.ProviderID)
	assert.Equal(t, 1.5, entry.AmountCharged)

	credit, err := l.CreditRemaining("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 8.5, credit, 1e-9)

	available, err := l.Available("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 8.5, available, 1e-9, "hold must be gone after commit")
}

func TestCommitClampsToReservedAmount(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 1.0)
	require.NoError(t, err)

	entry, err := l.Commit(res, 3.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.AmountCharged, "overage beyond the reservation is never charged")

	credit, err := l.CreditRemaining("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, credit, 1e-9)
}

func TestReleaseLeavesNoResidue(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 4.0)
	require.NoError(t, err)

	available, err := l.Available("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, available, 1e-9)

	require.NoError(t, l.Release(res))

	available, err = l.Available("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, available, 1e-9)
	assert.Empty(t, l.Entries(), "release must not append an audit entry")
}

func TestReservationSettledExactlyOnce(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 1.0)
	require.NoError(t, err)

	_, err = l.Commit(res, 0.5)
	require.NoError(t, err)

	_, err = l.Commit(res, 0.5)
	assert.ErrorIs(t, err, ErrReservationSettled)
	assert.ErrorIs(t, l.Release(res), ErrReservationSettled)
}

func TestReserveRejectsWhenBudgetExhausted(t *testing.T) {
	l := newTestLedger()

	// Holds count against availability even before any commit.
	_, err := l.Reserve("gpt-batch", "task-1", 4.0)
	require.NoError(t, err)

	_, err = l.Reserve("gpt-batch", "task-2", 2.0)
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	// Zero-credit accounts still accept zero-cost reservations.
	res, err := l.Reserve("local-0", "task-3", 0)
	require.NoError(t, err)
	entry, err := l.Commit(res, 0)
	require.NoError(t, err)
	assert.Zero(t, entry.AmountCharged)
}

func TestReserveUnknownProvider(t *testing.T) {
	l := newTestLedger()

	_, err := l.Reserve("nope", "task-1", 1.0)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHaltBlocksNewReservationsOnly(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 1.0)
	require.NoError(t, err)

	l.Halt()
	assert.True(t, l.Halted())

	_, err = l.Reserve("claude-main", "task-2", 1.0)
	assert.ErrorIs(t, err, ErrReservationsHalted)

	// In-flight reservations still settle so no hold is stranded.
	_, err = l.Commit(res, 0.5)
	require.NoError(t, err)

	l.Resume()
	_, err = l.Reserve("claude-main", "task-3", 1.0)
	assert.NoError(t, err)
}

func TestResetPreservesAuditTrail(t *testing.T) {
	l := newTestLedger()

	res, err := l.Reserve("claude-main", "task-1", 2.0)
	require.NoError(t, err)
	_, err = l.Commit(res, 2.0)
	require.NoError(t, err)

	l.Reset(map[string]float64{"claude-main": 20.0})

	credit, err := l.CreditRemaining("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, credit, 1e-9)

	spend, err := l.CumulativeSpend("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, spend, 1e-9, "cumulative spend survives reset")
	assert.Len(t, l.Entries(), 1, "audit trail survives reset")

	// The audit invariant holds against the post-reset baseline.
	snap := l.Snapshot()
	for _, acct := range snap.Accounts {
		if acct.ProviderID == "claude-main" {
			assert.InDelta(t, acct.InitialCredit-acct.ChargedSince, acct.CreditRemaining, 1e-9)
		}
	}
}

// TestStaleReservationsCannotSettleAcrossReset reserves before a credit reset
// and settles after it: neither settle path may touch the reset balance, so
// credit never goes negative.
func TestStaleReservationsCannotSettleAcrossReset(t *testing.T) {
	l := newTestLedger()

	stale, err := l.Reserve("claude-main", "task-1", 10.0)
	require.NoError(t, err)
	l.Reset(map[string]float64{"claude-main": 20.0})

	// Releasing the wiped hold must not inflate available credit.
	require.NoError(t, l.Release(stale))
	available, err := l.Available("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, available, 1e-9)

	res, err := l.Reserve("claude-main", "task-2", 20.0)
	require.NoError(t, err)
	_, err = l.Commit(res, 20.0)
	require.NoError(t, err)

	credit, err := l.CreditRemaining("claude-main")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, credit, 0.0, "credit must never go negative")
	assert.InDelta(t, 0.0, credit, 1e-9)
}

func TestStaleCommitChargesNothing(t *testing.T) {
	l := newTestLedger()

	stale, err := l.Reserve("claude-main", "task-1", 4.0)
	require.NoError(t, err)
	l.Reset(map[string]float64{"claude-main": 20.0})

	_, err = l.Commit(stale, 4.0)
	assert.ErrorIs(t, err, ErrReservationStale)

	credit, err := l.CreditRemaining("claude-main")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, credit, 1e-9)
	assert.Empty(t, l.Entries(), "stale commit must not append an audit entry")

	// Settling a stale reservation consumes it like any other settle.
	assert.ErrorIs(t, l.Release(stale), ErrReservationSettled)
}

// TestConcurrentReservationsConserveCredit hammers one account from many
// goroutines and verifies conservation: initial credit equals remaining
// credit plus the sum of audit entries, with no negative balance at any step.
func TestConcurrentReservationsConserveCredit(t *testing.T) {
	const (
		workers       = 16
		perWorker     = 50
		initialCredit = 100.0
		estimate      = 0.25
	)
	l := New(map[string]float64{"claude-main": initialCredit})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				res, err := l.Reserve("claude-main", "task", estimate)
				if err != nil {
					continue // budget raced away, fine
				}
				switch i % 3 {
				case 0:
					_ = l.Release(res)
				default:
					_, _ = l.Commit(res, estimate/2)
				}
			}
		}(w)
	}
	wg.Wait()

	snap := l.Snapshot()
	require.Len(t, snap.Accounts, 1)
	acct := snap.Accounts[0]

	assert.GreaterOrEqual(t, acct.CreditRemaining, 0.0, "balance must never go negative")
	assert.Zero(t, acct.PendingHolds, "every reservation must be settled")

	var charged float64
	for _, e := range l.Entries() {
		charged += e.AmountCharged
	}
	assert.True(t, math.Abs(initialCredit-charged-acct.CreditRemaining) < 1e-6,
		"initial (%f) - charged (%f) != remaining (%f)", initialCredit, charged, acct.CreditRemaining)
	assert.InDelta(t, charged, snap.ChargedTotal, 1e-9)
}

func TestSnapshotIsDeterministic(t *testing.T) {
	l := newTestLedger()

	a := l.Snapshot()
	b := l.Snapshot()
	require.Equal(t, len(a.Accounts), len(b.Accounts))
	for i := range a.Accounts {
		assert.Equal(t, a.Accounts[i].ProviderID, b.Accounts[i].ProviderID)
	}
}
