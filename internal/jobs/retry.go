package jobs

import (
	"context"
	"time"

	"github.com/anstrom/postalscan/internal/errors"
)

// RetryPolicy bounds the exponential backoff applied to store calls.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns four retries starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 4,
		Delay:      200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

// backoff returns the wait before retry number attempt, counting from 1.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.Delay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// storeCall runs fn and retries it while it fails with a retryable error.
func (m *Manager) storeCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := m.cfg.Retry.backoff(attempt)
			m.logger.Debug("Retrying store call",
				"operation", op,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			m.metrics.IncrementStoreRetries(op)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}

		start := time.Now()
		err = fn(ctx)
		m.metrics.RecordStoreCall(op, time.Since(start), err == nil)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt >= m.cfg.Retry.MaxRetries {
			return err
		}
	}
}
