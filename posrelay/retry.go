// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// Transient Postgres states worth retrying on the publish path. Anything
// else (constraint violations, bad input) fails immediately.
var retryablePGStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available, incl. lock_timeout
}

// withPGRetry runs op up to retryAttempts times, waiting attempt*retryBaseWait
// between tries, but only for transient Postgres errors.
func withPGRetry(ctx context.Context, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		var pgErr *pgconn.PgError
		if err == nil || !errors.As(err, &pgErr) {
			return err
		}
		if _, transient := retryablePGStates[pgErr.SQLState()]; !transient {
			return err
		}
		if attempt == retryAttempts {
			return err
		}
		wait := time.NewTimer(time.Duration(attempt) * retryBaseWait)
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		}
	}
}
