// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// UserRepository implements auth.UserDirectory.
type UserRepository struct {
	pool Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const selectUser = `SELECT id, email, name, access_rights, activated, created_at FROM users`

// FindByEmail retrieves a user by email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	var (
		idStr     string
		user      auth.User
		rights    int16
		createdAt time.Time
	)
	err := querierFrom(ctx, r.pool).QueryRow(ctx, selectUser+` WHERE email = $1`, email).
		Scan(&idStr, &user.Email, &user.Name, &rights, &user.Activated, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("USER_QUERY_FAILED", err)
	}

	user.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("USER_INVALID_ID").With("id", idStr).Wrap(err)
	}
	user.AccessRights = auth.AccessRights(rights)
	user.CreatedAt = createdAt.UTC()
	return &user, nil
}

// Create stores a new user. An existing email yields a CONFLICT error.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := querierFrom(ctx, r.pool).Exec(ctx,
		`INSERT INTO users (id, email, name, access_rights, activated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID.String(), user.Email, user.Name, int16(user.AccessRights), user.Activated, user.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict(user.Email)
	}
	if err != nil {
		return storeError("USER_CREATE_FAILED", err)
	}
	return nil
}

// SetActivation updates the activation flag.
func (r *UserRepository) SetActivation(ctx context.Context, email string, activated bool) error {
	return r.update(ctx, "USER_ACTIVATION_FAILED", email,
		`UPDATE users SET activated = $2 WHERE email = $1`, activated)
}

// SetAccessRights replaces the access rights bitmask.
func (r *UserRepository) SetAccessRights(ctx context.Context, email string, rights auth.AccessRights) error {
	return r.update(ctx, "USER_RIGHTS_FAILED", email,
		`UPDATE users SET access_rights = $2 WHERE email = $1`, int16(rights))
}

func (r *UserRepository) update(ctx context.Context, code, email, sql string, value any) error {
	tag, err := querierFrom(ctx, r.pool).Exec(ctx, sql, email, value)
	if err != nil {
		return storeError(code, err)
	}
	if tag.RowsAffected() == 0 {
		return oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Count returns the number of users.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := querierFrom(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, storeError("USER_COUNT_FAILED", err)
	}
	return n, nil
}

// Delete removes a user. Its credential goes with it by cascade.
func (r *UserRepository) Delete(ctx context.Context, email string) error {
	if _, err := querierFrom(ctx, r.pool).Exec(ctx, `DELETE FROM users WHERE email = $1`, email); err != nil {
		return storeError("USER_DELETE_FAILED", err)
	}
	return nil
}
