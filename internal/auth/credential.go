// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package auth

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/samber/oops"
)

// Credential is a WebAuthn public key credential. One email owns at most one.
type Credential struct {
	ID          []byte
	OwnerEmail  string
	PublicKey   []byte // COSE_Key
	SignCounter uint32
	CreatedAt   time.Time
}

// NewCredential creates a validated Credential.
func NewCredential(id []byte, ownerEmail string, publicKey []byte, signCounter uint32) (*Credential, error) {
	if len(id) == 0 {
		return nil, oops.Code("CREDENTIAL_INVALID_ID").Errorf("credential ID cannot be empty")
	}
	if ownerEmail == "" {
		return nil, oops.Code("CREDENTIAL_INVALID_OWNER").Errorf("owner email cannot be empty")
	}
	if len(publicKey) == 0 {
		return nil, oops.Code("CREDENTIAL_INVALID_KEY").Errorf("public key cannot be empty")
	}
	return &Credential{
		ID:          id,
		OwnerEmail:  ownerEmail,
		PublicKey:   publicKey,
		SignCounter: signCounter,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// EncodedID returns the base64url form of the credential id.
func (c *Credential) EncodedID() string {
	return EncodeID(c.ID)
}

// EncodeID encodes a credential id as unpadded base64url.
func EncodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// CredentialStore manages credential persistence.
type CredentialStore interface {
	// FindByID retrieves a credential. Returns ErrNotFound if absent.
	FindByID(ctx context.Context, id []byte) (*Credential, error)

	// FindByEmail retrieves the credential owned by email. Returns ErrNotFound if absent.
	FindByEmail(ctx context.Context, email string) (*Credential, error)

	// Save stores a new credential.
	Save(ctx context.Context, cred *Credential) error

	// UpdateCounter replaces the sign counter only while it still equals
	// expected. Returns ErrCounterChanged when another write got there first
	// and ErrNotFound if the credential is absent.
	UpdateCounter(ctx context.Context, id []byte, expected, counter uint32) error
}

// Transactor runs fn inside the registration critical section. Implementations
// serialize concurrent registrations so that the user count observed by fn
// cannot change before fn returns. Collaborators reached through ctx take part
// in the same transaction.
type Transactor interface {
	InRegistration(ctx context.Context, fn func(ctx context.Context) error) error
}
