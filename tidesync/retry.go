// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const txRetryAttempts = 3

func isRetryableSQLState(state string) bool {
	switch state {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return isRetryableSQLState(pgErr.SQLState())
}

// withTxRetry re-runs fn on serialization failures and deadlocks.
// Backoff doubles per attempt starting at 50ms.
func withTxRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 1; attempt <= txRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		logger.Warn("Retrying transaction after retryable error",
			"attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
