// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package access decides who becomes a user and who may hold a session.
//
// The very first account of an empty system is activated with full access
// rights. Every later account starts inactive without rights and waits for
// an administrator.
package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// Gate is the access policy gate.
type Gate struct {
	users       auth.UserDirectory
	credentials auth.CredentialStore
	tx          auth.Transactor
	identities  auth.IdentityStore
	logger      *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithIdentities enables the OpenID Connect identity operations.
func WithIdentities(identities auth.IdentityStore) Option {
	return func(g *Gate) {
		g.identities = identities
	}
}

// NewGate creates a Gate.
func NewGate(users auth.UserDirectory, credentials auth.CredentialStore, tx auth.Transactor, opts ...Option) (*Gate, error) {
	if users == nil {
		return nil, oops.Errorf("user directory is required")
	}
	if credentials == nil {
		return nil, oops.Errorf("credential store is required")
	}
	if tx == nil {
		return nil, oops.Errorf("transactor is required")
	}
	g := &Gate{
		users:       users,
		credentials: credentials,
		tx:          tx,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Enroll creates the user for email and saves its credential in one
// registration critical section. The user count is read inside the same
// section, so two concurrent registrations on an empty system cannot both be
// treated as the first.
func (g *Gate) Enroll(ctx context.Context, email, displayName string, cred *auth.Credential) (*auth.User, error) {
	user, err := auth.NewUser(email, displayName)
	if err != nil {
		return nil, err
	}

	var first bool
	err = g.tx.InRegistration(ctx, func(ctx context.Context) error {
		if _, err := g.users.FindByEmail(ctx, email); err == nil {
			return auth.ErrConflict(email)
		} else if !errors.Is(err, auth.ErrNotFound) {
			return oops.With("operation", "find user").With("email", email).Wrap(err)
		}
		if _, err := g.credentials.FindByEmail(ctx, email); err == nil {
			return auth.ErrConflict(email)
		} else if !errors.Is(err, auth.ErrNotFound) {
			return oops.With("operation", "find credential").With("email", email).Wrap(err)
		}

		existing, err := g.users.Count(ctx)
		if err != nil {
			return oops.With("operation", "count users").Wrap(err)
		}
		first = existing == 0

		if err := g.users.Create(ctx, user); err != nil {
			return wrapConflict(err, "create user", email)
		}
		if err := g.credentials.Save(ctx, cred); err != nil {
			return wrapConflict(err, "save credential", email)
		}
		return g.AfterRegistration(ctx, user, first)
	})
	if err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "user enrolled",
		"email", email,
		"user_id", user.ID.String(),
		"bootstrap", first,
	)
	return user, nil
}

// AfterRegistration applies the default rights of a new account. Only the
// first account of an empty system is activated, with FullAccess.
func (g *Gate) AfterRegistration(ctx context.Context, user *auth.User, first bool) error {
	activated, rights := false, auth.AccessRights(0)
	if first {
		activated, rights = true, auth.FullAccess
	}
	if err := g.users.SetActivation(ctx, user.Email, activated); err != nil {
		return oops.With("operation", "set activation").With("email", user.Email).Wrap(err)
	}
	if err := g.users.SetAccessRights(ctx, user.Email, rights); err != nil {
		return oops.With("operation", "set access rights").With("email", user.Email).Wrap(err)
	}
	user.Activated = activated
	user.AccessRights = rights
	return nil
}

// BeforeSessionIssuance fails with ACCOUNT_NOT_ACTIVATED unless email
// belongs to an activated account. Callers must run it only after the
// ceremony verified, so it reveals nothing to unauthenticated clients.
func (g *Gate) BeforeSessionIssuance(ctx context.Context, email string) (*auth.User, error) {
	user, err := g.users.FindByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrAccountNotActivated(email)
	}
	if err != nil {
		return nil, oops.With("operation", "find user").With("email", email).Wrap(err)
	}
	if !user.Activated {
		return nil, auth.ErrAccountNotActivated(email)
	}
	return user, nil
}

// Authorize returns the user of email if it is activated and holds required.
func (g *Gate) Authorize(ctx context.Context, email string, required auth.AccessRights) (*auth.User, error) {
	user, err := g.BeforeSessionIssuance(ctx, email)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeAccountNotActivated {
			return nil, auth.ErrForbidden(required)
		}
		return nil, err
	}
	if !user.AccessRights.Has(required) {
		return nil, auth.ErrForbidden(required)
	}
	return user, nil
}

// Activate allows email to sign in. The administrative operations below
// require a context from WithSystemSubject.
func (g *Gate) Activate(ctx context.Context, email string) error {
	return g.setActivation(ctx, email, true)
}

// Deactivate stops email from signing in. Existing sessions fail their next
// access check.
func (g *Gate) Deactivate(ctx context.Context, email string) error {
	return g.setActivation(ctx, email, false)
}

func (g *Gate) setActivation(ctx context.Context, email string, activated bool) error {
	if err := requireSystem(ctx); err != nil {
		return err
	}
	if err := g.users.SetActivation(ctx, email, activated); err != nil {
		return userError(err, "set activation", email)
	}
	g.logger.InfoContext(ctx, "user activation changed", "email", email, "activated", activated)
	return nil
}

// SetAccessRights replaces the rights of email.
func (g *Gate) SetAccessRights(ctx context.Context, email string, rights auth.AccessRights) error {
	if err := requireSystem(ctx); err != nil {
		return err
	}
	if err := g.users.SetAccessRights(ctx, email, rights); err != nil {
		return userError(err, "set access rights", email)
	}
	g.logger.InfoContext(ctx, "user access rights changed", "email", email, "access_rights", uint8(rights))
	return nil
}

// DeleteUser removes email and, by cascade, its credential. Deleting an
// absent user is not an error.
func (g *Gate) DeleteUser(ctx context.Context, email string) error {
	if err := requireSystem(ctx); err != nil {
		return err
	}
	if err := g.users.Delete(ctx, email); err != nil {
		return oops.With("operation", "delete user").With("email", email).Wrap(err)
	}
	g.logger.InfoContext(ctx, "user deleted", "email", email)
	return nil
}

func wrapConflict(err error, operation, email string) error {
	if auth.KindOf(err) == auth.KindConflict {
		return auth.ErrConflict(email)
	}
	return oops.With("operation", operation).With("email", email).Wrap(err)
}

func userError(err error, operation, email string) error {
	if errors.Is(err, auth.ErrNotFound) {
		return auth.ErrUserNotFound(email)
	}
	return oops.With("operation", operation).With("email", email).Wrap(err)
}
