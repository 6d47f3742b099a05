// Package ledger provides budget bookkeeping for provider accounts.
//
// All credit changes go through the two-phase reserve/commit protocol:
// Reserve places a hold against remaining credit, Commit charges the actual
// cost and appends one audit entry atomically with the decrement, Release
// cancels a hold without residue. The single mutex makes concurrent
// reservations behave as if applied in some serial order: no lost updates,
// no negative balances even transiently.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

var (
	// ErrBudgetExhausted is returned when a reservation does not fit the
	// provider's remaining credit. Not retried; callers fall back or degrade.
	ErrBudgetExhausted = fmt.Errorf("provider budget exhausted")
	// ErrReservationsHalted is returned while reservations are suspended
	// after an integrity finding.
	ErrReservationsHalted = fmt.Errorf("ledger reservations halted pending integrity resolution")
	// ErrUnknownProvider is returned for provider ids the ledger does not track.
	ErrUnknownProvider = fmt.Errorf("provider not configured in ledger")
	// ErrReservationSettled is returned when a reservation is committed or
	// released more than once.
	ErrReservationSettled = fmt.Errorf("reservation already settled")
	// ErrReservationStale is returned when a reservation is committed after a
	// credit reset invalidated its hold. Nothing is charged.
	ErrReservationStale = fmt.Errorf("reservation predates credit reset")
)

// Entry is one append-only audit record. Exactly one Entry exists per
// committed charge.
type Entry struct {
	ProviderID    string    `json:"provider_id"`
	AmountCharged float64   `json:"amount_charged"`
	TaskID        string    `json:"task_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Reservation is a hold placed against a provider's credit. It must be
// settled exactly once, by Commit or Release.
type Reservation struct {
	ID         string
	ProviderID string
	TaskID     string
	Amount     float64

	settled bool
	gen     uint64 // account reset generation the hold was placed under
}

// AccountSnapshot is a read-only view of one provider account.
type AccountSnapshot struct {
	ProviderID      string  `json:"provider_id"`
	InitialCredit   float64 `json:"initial_credit"`
	CreditRemaining float64 `json:"credit_remaining"`
	PendingHolds    float64 `json:"pending_holds"`
	SpentTotal      float64 `json:"spent_total"`        // cumulative across resets
	ChargedSince    float64 `json:"charged_since_reset"` // charges since last credit reset
}

// Snapshot is a consistent view of every account plus audit totals.
type Snapshot struct {
	Accounts     []AccountSnapshot `json:"accounts"`
	ChargedTotal float64           `json:"charged_total"`
	EntryCount   int               `json:"entry_count"`
	TakenAt      time.Time         `json:"taken_at"`
}

type account struct {
	providerID    string
	initialCredit float64
	credit        float64
	pending       float64
	spent         float64 // cumulative, survives Reset for spend-history ranking
	chargedSince  float64 // since last reset; initialCredit - chargedSince == credit
	gen           uint64  // bumped on Reset so stale holds cannot settle against pending
}

// Ledger tracks remaining spend per provider account.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	order    []string // registration order, for deterministic snapshots
	entries  []Entry
	halted   bool
	logger   *logx.Logger
}

// New creates a ledger with the given initial credit per provider.
func New(initialCredit map[string]float64) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account, len(initialCredit)),
		logger:   logx.NewLogger("ledger"),
	}
	for providerID, credit := range initialCredit {
		l.accounts[providerID] = &account{
			providerID:    providerID,
			initialCredit: credit,
			credit:        credit,
		}
	}
	// Sorted provider order keeps snapshots deterministic.
	for providerID := range initialCredit {
		l.order = append(l.order, providerID)
	}
	sort.Strings(l.order)
	return l
}

// Reserve places a hold of estimate against the provider's available credit
// (credit minus existing holds). Fails with ErrBudgetExhausted when the
// estimate does not fit, ErrReservationsHalted while halted.
func (l *Ledger) Reserve(providerID, taskID string, estimate float64) (*Reservation, error) {
	if estimate < 0 {
		return nil, fmt.Errorf("negative reservation estimate %f", estimate)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, ErrReservationsHalted
	}
	acct, ok := l.accounts[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if estimate > acct.credit-acct.pending {
		return nil, fmt.Errorf("%w: %s (estimate %.4f, available %.4f)",
			ErrBudgetExhausted, providerID, estimate, acct.credit-acct.pending)
	}

	acct.pending += estimate
	return &Reservation{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		TaskID:     taskID,
		Amount:     estimate,
		gen:        acct.gen,
	}, nil
}

// Commit settles a reservation, charging min(actual, reserved) and appending
// the audit entry atomically with the credit decrement. Overage beyond the
// reservation is never charged; callers estimate conservatively.
func (l *Ledger) Commit(res *Reservation, actual float64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res.settled {
		return Entry{}, ErrReservationSettled
	}
	acct, ok := l.accounts[res.ProviderID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownProvider, res.ProviderID)
	}
	if res.gen != acct.gen {
		// The hold was wiped by a credit reset; charging now would draw on
		// credit the reset already restored.
		res.settled = true
		l.logger.Warn("dropping stale reservation %s for %s after credit reset",
			res.ID, res.ProviderID)
		return Entry{}, ErrReservationStale
	}

	res.settled = true
	acct.pending -= res.Amount

	charge := actual
	if charge > res.Amount {
		l.logger.Warn("actual cost %.4f exceeds reservation %.4f for %s; charging reserved amount",
			actual, res.Amount, res.ProviderID)
		charge = res.Amount
	}
	if charge < 0 {
		charge = 0
	}

	acct.credit -= charge
	acct.spent += charge
	acct.chargedSince += charge

	entry := Entry{
		ProviderID:    res.ProviderID,
		AmountCharged: charge,
		TaskID:        res.TaskID,
		Timestamp:     time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Release cancels a reservation without charging anything.
func (l *Ledger) Release(res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res.settled {
		return ErrReservationSettled
	}
	acct, ok := l.accounts[res.ProviderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, res.ProviderID)
	}

	res.settled = true
	if res.gen != acct.gen {
		// The hold was already wiped by a credit reset.
		return nil
	}
	acct.pending -= res.Amount
	return nil
}

// CreditRemaining returns the provider's current credit (holds not deducted).
func (l *Ledger) CreditRemaining(providerID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[providerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return acct.credit, nil
}

// Available returns credit minus pending holds, the amount a new reservation
// can draw on.
func (l *Ledger) Available(providerID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[providerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return acct.credit - acct.pending, nil
}

// CumulativeSpend returns total charged to the provider across resets.
// The router uses this for cost-history load balancing.
func (l *Ledger) CumulativeSpend(providerID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[providerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return acct.spent, nil
}

// Halt suspends new reservations. In-flight reservations may still be
// committed or released so no hold is stranded.
func (l *Ledger) Halt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.halted {
		l.halted = true
		l.logger.Error("reservations halted")
	}
}

// Resume lifts a reservation halt.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		l.halted = false
		l.logger.Info("reservations resumed")
	}
}

// Halted reports whether new reservations are suspended.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Reset re-initializes credit per provider without losing the audit trail.
// Providers absent from the map keep their current balance. Holds placed
// before the reset become stale: committing one fails with
// ErrReservationStale and releasing one is a no-op, so credit restored by
// the reset cannot be drawn down by in-flight reservations.
func (l *Ledger) Reset(initialCredit map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for providerID, credit := range initialCredit {
		acct, ok := l.accounts[providerID]
		if !ok {
			continue
		}
		acct.initialCredit = credit
		acct.credit = credit
		acct.pending = 0
		acct.chargedSince = 0
		acct.gen++
	}
	l.logger.Info("credit reset for %d providers (audit trail preserved, %d entries)",
		len(initialCredit), len(l.entries))
}

// Snapshot returns a consistent read-only view of all accounts and totals.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Accounts:   make([]AccountSnapshot, 0, len(l.order)),
		EntryCount: len(l.entries),
		TakenAt:    time.Now().UTC(),
	}
	for _, providerID := range l.order {
		acct := l.accounts[providerID]
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			ProviderID:      acct.providerID,
			InitialCredit:   acct.initialCredit,
			CreditRemaining: acct.credit,
			PendingHolds:    acct.pending,
			SpentTotal:      acct.spent,
			ChargedSince:    acct.chargedSince,
		})
	}
	for i := range l.entries {
		snap.ChargedTotal += l.entries[i].AmountCharged
	}
	return snap
}

// Entries returns a copy of the append-only audit trail.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
