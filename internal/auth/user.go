// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package auth

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// AccessRights is a bitmask of the rights a user holds.
type AccessRights uint8

// Access right bits.
const (
	GeneralAccess        AccessRights = 1 << 0
	WriteStocksAccess    AccessRights = 1 << 1
	AdministrativeAccess AccessRights = 1 << 7
	FullAccess           AccessRights = 0xFF
)

// Has reports whether all bits of required are set.
func (r AccessRights) Has(required AccessRights) bool {
	return r&required == required
}

// Input constraints.
const (
	MaxEmailLength       = 254
	MaxDisplayNameLength = 128
)

// User represents an account owned by the user directory.
type User struct {
	ID           ulid.ULID
	Email        string
	Name         string
	AccessRights AccessRights
	Activated    bool
	CreatedAt    time.Time
}

// NewUser creates a validated, inactive User without access rights.
func NewUser(email, name string) (*User, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidateDisplayName(name); err != nil {
		return nil, err
	}
	return &User{
		ID:        ulid.Make(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ValidateEmail checks that email is a single bare address.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrInvalidInput("email", "Email address is required.")
	}
	if len(email) > MaxEmailLength {
		return ErrInvalidInput("email", "Email address is too long.")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return ErrInvalidInput("email", "Email address is invalid.")
	}
	return nil
}

// ValidateDisplayName checks that name is non-blank and not too long.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidInput("name", "Display name is required.")
	}
	if len([]rune(name)) > MaxDisplayNameLength {
		return oops.Code(CodeInvalidInput).
			With("field", "name").
			With("max", MaxDisplayNameLength).
			With("message", "Display name is too long.").
			Errorf("Display name is too long.")
	}
	return nil
}

// UserDirectory manages user accounts.
type UserDirectory interface {
	// FindByEmail retrieves a user. Returns ErrNotFound if absent.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// Create stores a new user.
	Create(ctx context.Context, user *User) error

	// SetActivation updates the activation flag.
	SetActivation(ctx context.Context, email string, activated bool) error

	// SetAccessRights replaces the access rights bitmask.
	SetAccessRights(ctx context.Context, email string, rights AccessRights) error

	// Count returns the number of existing users.
	Count(ctx context.Context) (int64, error)

	// Delete removes a user and, by cascade, its credential.
	// Deleting an absent user is not an error.
	Delete(ctx context.Context, email string) error
}
