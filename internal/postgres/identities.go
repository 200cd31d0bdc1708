// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// IdentityRepository implements auth.IdentityStore.
type IdentityRepository struct {
	pool Pool
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(pool Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

const selectIdentity = `SELECT subject, owner_email, preferred_username, created_at FROM oidc_identities`

// FindBySubject retrieves the identity of an OpenID Connect subject.
func (r *IdentityRepository) FindBySubject(ctx context.Context, subject string) (*auth.Identity, error) {
	identity, err := r.scan(querierFrom(ctx, r.pool).QueryRow(ctx, selectIdentity+` WHERE subject = $1`, subject))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("subject", subject).Wrap(auth.ErrNotFound)
	}
	return identity, err
}

// FindByEmail retrieves the identity owned by email.
func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	identity, err := r.scan(querierFrom(ctx, r.pool).QueryRow(ctx, selectIdentity+` WHERE owner_email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	return identity, err
}

func (r *IdentityRepository) scan(row pgx.Row) (*auth.Identity, error) {
	var (
		identity  auth.Identity
		createdAt time.Time
	)
	err := row.Scan(&identity.Subject, &identity.OwnerEmail, &identity.PreferredUsername, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("IDENTITY_QUERY_FAILED", err)
	}
	identity.CreatedAt = createdAt.UTC()
	return &identity, nil
}

// Link stores a new identity. A known subject or a second identity for the
// same owner yields a CONFLICT error.
func (r *IdentityRepository) Link(ctx context.Context, identity *auth.Identity) error {
	_, err := querierFrom(ctx, r.pool).Exec(ctx,
		`INSERT INTO oidc_identities (subject, owner_email, preferred_username, created_at)
		 VALUES ($1, $2, $3, $4)`,
		identity.Subject, identity.OwnerEmail, identity.PreferredUsername, identity.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict(identity.OwnerEmail)
	}
	if isForeignKeyViolation(err) {
		return oops.Code("IDENTITY_OWNER_MISSING").With("email", identity.OwnerEmail).Wrap(err)
	}
	if err != nil {
		return storeError("IDENTITY_LINK_FAILED", err)
	}
	return nil
}

// SetPreferredUsername updates the username shown for subject.
func (r *IdentityRepository) SetPreferredUsername(ctx context.Context, subject, username string) error {
	tag, err := querierFrom(ctx, r.pool).Exec(ctx,
		`UPDATE oidc_identities SET preferred_username = $2 WHERE subject = $1`, subject, username)
	if err != nil {
		return storeError("IDENTITY_UPDATE_FAILED", err)
	}
	if tag.RowsAffected() == 0 {
		return oops.With("subject", subject).Wrap(auth.ErrNotFound)
	}
	return nil
}
