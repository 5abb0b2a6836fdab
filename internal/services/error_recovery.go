package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// RetryPolicy defines retry behavior for failed operations
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultLoadRetryPolicy is used for event loads against the database.
func DefaultLoadRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    maxRetries,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 1.5,
		JitterEnabled: true,
	}
}

// delay returns the wait before retry number attempt (0-based), with up to ±12.5%
// jitter when enabled.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffFactor
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterEnabled {
		d += d * 0.25 * (rand.Float64() - 0.5)
	}
	return time.Duration(d)
}

// retryable reports whether err may succeed on a later attempt. Caller mistakes and
// cancellation never do.
func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || utils.IsClientCorrectable(err) {
		return false
	}
	return true
}

// ExecuteWithRetry runs fn until it succeeds, fails with a non-retryable error or the
// policy is exhausted. The last error is returned unchanged.
func ExecuteWithRetry[T any](ctx context.Context, policy RetryPolicy, operation string, logger *logrus.Logger, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{
					"operation": operation,
					"attempts":  attempt + 1,
					"duration":  time.Since(start),
				}).Info("Operation recovered after retry")
			}
			return value, nil
		}
		if attempt >= policy.MaxRetries || !retryable(ctx, err) {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{
					"operation": operation,
					"attempts":  attempt + 1,
					"error":     err.Error(),
				}).Error("Operation failed after all retries")
			}
			return value, err
		}

		wait := policy.delay(attempt)
		logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt + 1,
			"error":     err.Error(),
			"delay":     wait,
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
