package agent

import (
	"context"
	"math"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/provider"
)

// RetryPolicy bounds retries of transient provider errors with exponential
// backoff. Budget exhaustion and fatal provider errors are never retried.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// PolicyFromConfig builds a retry policy from the validated config.
func PolicyFromConfig(cfg *config.RetryCfg) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay.Std(),
		BackoffFactor: cfg.BackoffFactor,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	return time.Duration(d)
}

// retryingInference decorates an Inference with the retry policy. When
// retries exhaust on a transient error, the error is wrapped as Degraded so
// the cycle records the invocation as degraded rather than failed.
type retryingInference struct {
	inner  Inference
	policy RetryPolicy
}

// WithRetry wraps inf with the retry policy.
func WithRetry(inf Inference, policy RetryPolicy) Inference {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retryingInference{inner: inf, policy: policy}
}

func (r *retryingInference) Invoke(ctx context.Context, task *provider.Task) (provider.Result, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return provider.Result{}, ctx.Err()
			case <-time.After(r.policy.delay(attempt - 1)):
			}
		}

		result, err := r.inner.Invoke(ctx, task)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !provider.IsTransient(err) {
			return provider.Result{}, err
		}
	}

	return provider.Result{}, Degraded(lastErr)
}
