// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestWithPGRetryTransientErrors(t *testing.T) {
	calls := 0
	err := withPGRetry(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, retryAttempts, calls)
}

func TestWithPGRetryRecoversAfterOneFailure(t *testing.T) {
	calls := 0
	err := withPGRetry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithPGRetryNonTransientFailsImmediately(t *testing.T) {
	calls := 0
	err := withPGRetry(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithPGRetryPlainErrorFailsImmediately(t *testing.T) {
	calls := 0
	err := withPGRetry(context.Background(), func() error {
		calls++
		return fmt.Errorf("not a pg error")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithPGRetryStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withPGRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
