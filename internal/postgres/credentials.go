// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package postgres

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// CredentialRepository implements auth.CredentialStore.
type CredentialRepository struct {
	pool Pool
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(pool Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

const selectCredential = `SELECT id, owner_email, public_key, sign_counter, created_at FROM webauthn_credentials`

// FindByID retrieves a credential by its raw id.
func (r *CredentialRepository) FindByID(ctx context.Context, id []byte) (*auth.Credential, error) {
	cred, err := r.scan(querierFrom(ctx, r.pool).QueryRow(ctx, selectCredential+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("credential_id", auth.EncodeID(id)).Wrap(auth.ErrNotFound)
	}
	return cred, err
}

// FindByEmail retrieves the credential owned by email.
func (r *CredentialRepository) FindByEmail(ctx context.Context, email string) (*auth.Credential, error) {
	cred, err := r.scan(querierFrom(ctx, r.pool).QueryRow(ctx, selectCredential+` WHERE owner_email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	return cred, err
}

func (r *CredentialRepository) scan(row pgx.Row) (*auth.Credential, error) {
	var (
		cred      auth.Credential
		counter   int64
		createdAt time.Time
	)
	err := row.Scan(&cred.ID, &cred.OwnerEmail, &cred.PublicKey, &counter, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("CREDENTIAL_QUERY_FAILED", err)
	}
	if counter < 0 || counter > math.MaxUint32 {
		return nil, oops.Code("CREDENTIAL_INVALID_COUNTER").With("counter", counter).
			Errorf("stored sign counter out of range")
	}
	cred.SignCounter = uint32(counter)
	cred.CreatedAt = createdAt.UTC()
	return &cred, nil
}

// Save stores a new credential. A second credential for the same owner, or a
// duplicate id, yields a CONFLICT error.
func (r *CredentialRepository) Save(ctx context.Context, cred *auth.Credential) error {
	_, err := querierFrom(ctx, r.pool).Exec(ctx,
		`INSERT INTO webauthn_credentials (id, owner_email, public_key, sign_counter, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cred.ID, cred.OwnerEmail, cred.PublicKey, int64(cred.SignCounter), cred.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict(cred.OwnerEmail)
	}
	if isForeignKeyViolation(err) {
		return oops.Code("CREDENTIAL_OWNER_MISSING").With("email", cred.OwnerEmail).Wrap(err)
	}
	if err != nil {
		return storeError("CREDENTIAL_SAVE_FAILED", err)
	}
	return nil
}

// UpdateCounter swaps the sign counter from expected to counter in one
// statement. Zero affected rows means the counter moved or the row is gone.
func (r *CredentialRepository) UpdateCounter(ctx context.Context, id []byte, expected, counter uint32) error {
	q := querierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx,
		`UPDATE webauthn_credentials SET sign_counter = $2 WHERE id = $1 AND sign_counter = $3`,
		id, int64(counter), int64(expected))
	if err != nil {
		return storeError("CREDENTIAL_COUNTER_FAILED", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webauthn_credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
		return storeError("CREDENTIAL_COUNTER_FAILED", err)
	}
	if !exists {
		return oops.With("credential_id", auth.EncodeID(id)).Wrap(auth.ErrNotFound)
	}
	return oops.With("credential_id", auth.EncodeID(id)).
		With("expected_counter", expected).
		Wrap(auth.ErrCounterChanged)
}
