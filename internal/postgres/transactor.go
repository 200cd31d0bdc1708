// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// registrationLockKey identifies the advisory lock serializing registrations.
const registrationLockKey int64 = 0x61757468636f7265

// Transactor implements auth.Transactor. It stores the active pgx.Tx in
// context so that repository calls made by fn join the same transaction.
type Transactor struct {
	pool Pool
}

// NewTransactor creates a Transactor backed by pool.
func NewTransactor(pool Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InRegistration begins a transaction, takes the registration advisory lock
// and calls fn. The lock is released when the transaction ends. If fn returns
// nil the transaction is committed, otherwise it is rolled back. A call made
// while a transaction is already in ctx runs fn in that transaction.
func (t *Transactor) InRegistration(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return storeError("TX_BEGIN_FAILED", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, registrationLockKey); err != nil {
		return storeError("REGISTRATION_LOCK_FAILED", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}
