package storage

import (
	"context"
	"time"

	"AgentChat/tools/errs"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times with linear backoff. Redis
// hiccups on the hot path surface as a transient CodeError after the last
// attempt.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBase * time.Duration(attempt)):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return errs.ErrDependency.WithDetail(lastErr.Error())
}
