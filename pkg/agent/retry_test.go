package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/ledger"
	"conductor/pkg/provider"
)

// scriptedInference returns the next error in sequence, then succeeds.
type scriptedInference struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedInference) Invoke(_ context.Context, _ *provider.Task) (provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return provider.Result{}, s.errs[idx]
	}
	return provider.Result{Content: "ok"}, nil
}

func (s *scriptedInference) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, BackoffFactor: 2}
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	inner := &scriptedInference{errs: []error{
		&provider.TransientError{Err: errors.New("429 rate limited")},
		&provider.TransientError{Err: errors.New("503")},
	}}
	inf := WithRetry(inner, fastPolicy(3))

	result, err := inf.Invoke(context.Background(), &provider.Task{ID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 3, inner.callCount())
}

func TestRetryExhaustionDegrades(t *testing.T) {
	transient := &provider.TransientError{Err: errors.New("timeout")}
	inner := &scriptedInference{errs: []error{transient, transient, transient}}
	inf := WithRetry(inner, fastPolicy(3))

	_, err := inf.Invoke(context.Background(), &provider.Task{ID: "t"})
	require.Error(t, err)
	assert.Equal(t, StatusDegraded, Classify(err), "spent retries must degrade, not fail")
	assert.Equal(t, 3, inner.callCount())
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	inner := &scriptedInference{errs: []error{
		&provider.FatalError{Err: errors.New("invalid api key")},
	}}
	inf := WithRetry(inner, fastPolicy(5))

	_, err := inf.Invoke(context.Background(), &provider.Task{ID: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount())
	assert.Equal(t, StatusFailed, Classify(err))
}

func TestBudgetExhaustionIsNotRetried(t *testing.T) {
	inner := &scriptedInference{errs: []error{ledger.ErrBudgetExhausted}}
	inf := WithRetry(inner, fastPolicy(5))

	_, err := inf.Invoke(context.Background(), &provider.Task{ID: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount())
	assert.Equal(t, StatusDegraded, Classify(err), "budget exhaustion is degradation by contract")
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	transient := &provider.TransientError{Err: errors.New("timeout")}
	inner := &scriptedInference{errs: []error{transient, transient, transient}}
	inf := WithRetry(inner, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, BackoffFactor: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := inf.Invoke(ctx, &provider.Task{ID: "t"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, inner.callCount(), "backoff sleep must honor cancellation")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusOk, Classify(nil))
	assert.Equal(t, StatusDegraded, Classify(Degraded(errors.New("x"))))
	assert.Equal(t, StatusDegraded, Classify(provider.ErrNoProviderAvailable))
	assert.Equal(t, StatusDegraded, Classify(ledger.ErrBudgetExhausted))
	assert.Equal(t, StatusFailed, Classify(errors.New("panic adjacent")))
}
