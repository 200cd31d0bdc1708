// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Identity links an OpenID Connect subject to a user. A user has at most one
// identity and a subject belongs to at most one user.
type Identity struct {
	Subject           string
	OwnerEmail        string
	PreferredUsername string
	CreatedAt         time.Time
}

// NewIdentity creates a validated Identity. An empty preferred username
// falls back to the subject.
func NewIdentity(subject, ownerEmail, preferredUsername string) (*Identity, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, oops.Code("IDENTITY_INVALID_SUBJECT").Errorf("subject cannot be empty")
	}
	if ownerEmail == "" {
		return nil, oops.Code("IDENTITY_INVALID_OWNER").Errorf("owner email cannot be empty")
	}
	if preferredUsername == "" {
		preferredUsername = subject
	}
	return &Identity{
		Subject:           subject,
		OwnerEmail:        ownerEmail,
		PreferredUsername: preferredUsername,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// IdentityStore persists OpenID Connect identities.
type IdentityStore interface {
	// FindBySubject retrieves an identity. Returns ErrNotFound if absent.
	FindBySubject(ctx context.Context, subject string) (*Identity, error)

	// FindByEmail retrieves the identity of email. Returns ErrNotFound if absent.
	FindByEmail(ctx context.Context, email string) (*Identity, error)

	// Link stores a new identity. A second identity for the owner or a known
	// subject yields a CONFLICT error.
	Link(ctx context.Context, identity *Identity) error

	// SetPreferredUsername updates the username shown for subject.
	SetPreferredUsername(ctx context.Context, subject, username string) error
}
