// Package dbretry provides a bounded exponential-backoff retry helper for
// transient PostgreSQL failures (serialization failures, deadlocks) — the
// transaction itself is re-run from scratch by the caller's closure, since
// a half-applied transaction was already rolled back by the driver.
package dbretry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/CedrosPay/server/internal/logger"
	"github.com/lib/pq"
)

const (
	maxAttempts  = 4 // the first run plus up to three retries
	baseDelay    = 100 * time.Millisecond
)

// pq SQLSTATE codes that are safe to retry transparently: the transaction
// was aborted by the database itself, not by any application-level error.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// WithRetry runs operation and, when it fails with a retryable Postgres
// error, retries it up to three times with exponential backoff (100ms,
// 200ms, 400ms, each plus a random jitter of up to the same length).
// Any other error — including a business-rule error like insufficient
// balance — is returned immediately on the first attempt.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}

		logger.FromContext(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("retrying transaction after transient database error")

		select {
		case <-time.After(delay + time.Duration(rand.Int63n(int64(delay)))):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay *= 2
	}

	return zero, lastErr
}

// isRetryableError reports whether err is a Postgres serialization
// failure or deadlock — the two SQLSTATEs the spec requires transparent
// retry for before surfacing Internal.
func isRetryableError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	default:
		return false
	}
}
