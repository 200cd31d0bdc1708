// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package access

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// Identity returns the identity of subject.
func (g *Gate) Identity(ctx context.Context, subject string) (*auth.Identity, error) {
	if err := g.requireIdentities(); err != nil {
		return nil, err
	}
	return g.identities.FindBySubject(ctx, subject)
}

// LinkIdentity connects identity to its existing owner. Linking the same
// subject twice is not an error.
func (g *Gate) LinkIdentity(ctx context.Context, identity *auth.Identity) error {
	if err := g.requireIdentities(); err != nil {
		return err
	}
	return g.tx.InRegistration(ctx, func(ctx context.Context) error {
		if _, err := g.users.FindByEmail(ctx, identity.OwnerEmail); err != nil {
			return userError(err, "find user", identity.OwnerEmail)
		}
		return g.link(ctx, identity)
	})
}

// EnrollIdentity links identity to the user of its owner email, creating the
// user first when the email is unknown. A created user gets the default
// rights of AfterRegistration, so the first account of an empty system is
// still the bootstrap administrator.
func (g *Gate) EnrollIdentity(ctx context.Context, displayName string, identity *auth.Identity) (*auth.User, error) {
	if err := g.requireIdentities(); err != nil {
		return nil, err
	}
	email := identity.OwnerEmail

	var (
		user    *auth.User
		created bool
		first   bool
	)
	err := g.tx.InRegistration(ctx, func(ctx context.Context) error {
		existing, err := g.users.FindByEmail(ctx, email)
		switch {
		case err == nil:
			user = existing
			return g.link(ctx, identity)
		case !errors.Is(err, auth.ErrNotFound):
			return oops.With("operation", "find user").With("email", email).Wrap(err)
		}

		user, err = auth.NewUser(email, displayName)
		if err != nil {
			return err
		}
		count, err := g.users.Count(ctx)
		if err != nil {
			return oops.With("operation", "count users").Wrap(err)
		}
		first, created = count == 0, true

		if err := g.users.Create(ctx, user); err != nil {
			return wrapConflict(err, "create user", email)
		}
		if err := g.AfterRegistration(ctx, user, first); err != nil {
			return err
		}
		return g.link(ctx, identity)
	})
	if err != nil {
		return nil, err
	}

	if created {
		g.logger.InfoContext(ctx, "user enrolled",
			"email", email,
			"user_id", user.ID.String(),
			"bootstrap", first,
			"subject", identity.Subject,
		)
	}
	return user, nil
}

// SyncRights applies access rights asserted by the identity provider. The
// account is activated exactly when the rights include GeneralAccess.
func (g *Gate) SyncRights(ctx context.Context, email string, rights auth.AccessRights) error {
	activated := rights.Has(auth.GeneralAccess)
	if err := g.users.SetAccessRights(ctx, email, rights); err != nil {
		return userError(err, "set access rights", email)
	}
	if err := g.users.SetActivation(ctx, email, activated); err != nil {
		return userError(err, "set activation", email)
	}
	g.logger.DebugContext(ctx, "access rights synced from provider",
		"email", email,
		"access_rights", uint8(rights),
		"activated", activated,
	)
	return nil
}

// SetPreferredUsername records the username the provider reports for subject.
func (g *Gate) SetPreferredUsername(ctx context.Context, subject, username string) error {
	if err := g.requireIdentities(); err != nil {
		return err
	}
	if err := g.identities.SetPreferredUsername(ctx, subject, username); err != nil {
		return oops.With("operation", "set preferred username").With("subject", subject).Wrap(err)
	}
	return nil
}

// link stores identity unless its owner already has one. Callers run it in
// the registration critical section.
func (g *Gate) link(ctx context.Context, identity *auth.Identity) error {
	email := identity.OwnerEmail
	existing, err := g.identities.FindByEmail(ctx, email)
	if err == nil {
		if existing.Subject == identity.Subject {
			return nil
		}
		return auth.ErrIdentityAlreadyLinked(email)
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return oops.With("operation", "find identity").With("email", email).Wrap(err)
	}

	if err := g.identities.Link(ctx, identity); err != nil {
		if auth.KindOf(err) == auth.KindConflict {
			// The subject belongs to another user.
			g.logger.WarnContext(ctx, "identity subject already linked elsewhere",
				"email", email,
				"subject", identity.Subject,
			)
			return auth.ErrAuthenticationFailed()
		}
		return oops.With("operation", "link identity").With("email", email).Wrap(err)
	}
	g.logger.InfoContext(ctx, "identity linked", "email", email, "subject", identity.Subject)
	return nil
}

func (g *Gate) requireIdentities() error {
	if g.identities == nil {
		return auth.ErrProviderNotConfigured()
	}
	return nil
}
