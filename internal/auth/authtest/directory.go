// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package authtest provides in-memory collaborators for tests.
package authtest

import (
	"bytes"
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// Directory is an in-memory auth.UserDirectory and auth.Transactor. Its
// Credentials and Identities views are the matching auth.CredentialStore and
// auth.IdentityStore. Deleting a user cascades to its credential and identity.
type Directory struct {
	regMu sync.Mutex

	mu          sync.Mutex
	users       map[string]*auth.User
	credentials map[string]*auth.Credential // keyed by owner email
	identities  map[string]*auth.Identity   // keyed by subject

	// Err, when set, is returned by every operation whose name is a key.
	Err map[string]error

	calls map[string]int
}

var (
	_ auth.UserDirectory   = (*Directory)(nil)
	_ auth.CredentialStore = Credentials{}
	_ auth.IdentityStore   = Identities{}
	_ auth.Transactor      = (*Directory)(nil)
)

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		users:       make(map[string]*auth.User),
		credentials: make(map[string]*auth.Credential),
		identities:  make(map[string]*auth.Identity),
		Err:         make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Calls returns how often the named operation ran.
func (d *Directory) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// record counts op and returns the injected error, if any. Callers hold d.mu.
func (d *Directory) record(op string) error {
	d.calls[op]++
	return d.Err[op]
}

// InRegistration serializes fn against other registrations.
func (d *Directory) InRegistration(ctx context.Context, fn func(ctx context.Context) error) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return fn(ctx)
}

// FindByEmail returns a copy of the stored user.
func (d *Directory) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("FindByEmail"); err != nil {
		return nil, err
	}
	user, ok := d.users[email]
	if !ok {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	cp := *user
	return &cp, nil
}

// Create stores a copy of user.
func (d *Directory) Create(_ context.Context, user *auth.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Create"); err != nil {
		return err
	}
	if _, ok := d.users[user.Email]; ok {
		return auth.ErrConflict(user.Email)
	}
	cp := *user
	d.users[user.Email] = &cp
	return nil
}

// SetActivation updates the activation flag.
func (d *Directory) SetActivation(_ context.Context, email string, activated bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("SetActivation"); err != nil {
		return err
	}
	user, ok := d.users[email]
	if !ok {
		return oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	user.Activated = activated
	return nil
}

// SetAccessRights replaces the access rights.
func (d *Directory) SetAccessRights(_ context.Context, email string, rights auth.AccessRights) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("SetAccessRights"); err != nil {
		return err
	}
	user, ok := d.users[email]
	if !ok {
		return oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	user.AccessRights = rights
	return nil
}

// Count returns the number of users.
func (d *Directory) Count(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Count"); err != nil {
		return 0, err
	}
	return int64(len(d.users)), nil
}

// Delete removes a user and its credential.
func (d *Directory) Delete(_ context.Context, email string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Delete"); err != nil {
		return err
	}
	delete(d.users, email)
	delete(d.credentials, email)
	for subject, identity := range d.identities {
		if identity.OwnerEmail == email {
			delete(d.identities, subject)
		}
	}
	return nil
}

// Credentials is the auth.CredentialStore backed by a Directory.
type Credentials struct {
	d *Directory
}

// Credentials returns the credential store sharing d's state.
func (d *Directory) Credentials() Credentials {
	return Credentials{d: d}
}

// FindByID returns a copy of the credential with the given id.
func (c Credentials) FindByID(_ context.Context, id []byte) (*auth.Credential, error) {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Credentials.FindByID"); err != nil {
		return nil, err
	}
	for _, cred := range d.credentials {
		if bytes.Equal(cred.ID, id) {
			return cloneCredential(cred), nil
		}
	}
	return nil, oops.With("credential_id", auth.EncodeID(id)).Wrap(auth.ErrNotFound)
}

// FindByEmail returns a copy of the credential owned by email.
func (c Credentials) FindByEmail(_ context.Context, email string) (*auth.Credential, error) {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Credentials.FindByEmail"); err != nil {
		return nil, err
	}
	cred, ok := d.credentials[email]
	if !ok {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	return cloneCredential(cred), nil
}

// Save stores a credential. The owner must exist.
func (c Credentials) Save(_ context.Context, cred *auth.Credential) error {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Credentials.Save"); err != nil {
		return err
	}
	if _, ok := d.users[cred.OwnerEmail]; !ok {
		return oops.Code("CREDENTIAL_OWNER_MISSING").
			With("email", cred.OwnerEmail).
			Errorf("credential owner does not exist")
	}
	if _, ok := d.credentials[cred.OwnerEmail]; ok {
		return auth.ErrConflict(cred.OwnerEmail)
	}
	for _, existing := range d.credentials {
		if bytes.Equal(existing.ID, cred.ID) {
			return auth.ErrConflict(cred.OwnerEmail)
		}
	}
	d.credentials[cred.OwnerEmail] = cloneCredential(cred)
	return nil
}

// UpdateCounter swaps the sign counter from expected to counter.
func (c Credentials) UpdateCounter(_ context.Context, id []byte, expected, counter uint32) error {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Credentials.UpdateCounter"); err != nil {
		return err
	}
	for _, cred := range d.credentials {
		if bytes.Equal(cred.ID, id) {
			if cred.SignCounter != expected {
				return oops.With("credential_id", auth.EncodeID(id)).Wrap(auth.ErrCounterChanged)
			}
			cred.SignCounter = counter
			return nil
		}
	}
	return oops.With("credential_id", auth.EncodeID(id)).Wrap(auth.ErrNotFound)
}

func cloneCredential(c *auth.Credential) *auth.Credential {
	cp := *c
	cp.ID = bytes.Clone(c.ID)
	cp.PublicKey = bytes.Clone(c.PublicKey)
	return &cp
}

// Credential returns the stored credential of email, or nil.
func (d *Directory) Credential(email string) *auth.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cred, ok := d.credentials[email]; ok {
		return cloneCredential(cred)
	}
	return nil
}

// PutCredential stores cred without owner checks.
func (d *Directory) PutCredential(cred *auth.Credential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials[cred.OwnerEmail] = cloneCredential(cred)
}

// User returns the stored user of email, or nil.
func (d *Directory) User(email string) *auth.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	if user, ok := d.users[email]; ok {
		cp := *user
		return &cp
	}
	return nil
}

// PutUser stores user as is.
func (d *Directory) PutUser(user *auth.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *user
	d.users[user.Email] = &cp
}

// Reset removes all users and credentials.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[string]*auth.User)
	d.credentials = make(map[string]*auth.Credential)
	d.identities = make(map[string]*auth.Identity)
}

// Identities is the auth.IdentityStore backed by a Directory.
type Identities struct {
	d *Directory
}

// Identities returns the identity store sharing d's state.
func (d *Directory) Identities() Identities {
	return Identities{d: d}
}

// FindBySubject returns a copy of the identity of subject.
func (i Identities) FindBySubject(_ context.Context, subject string) (*auth.Identity, error) {
	d := i.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Identities.FindBySubject"); err != nil {
		return nil, err
	}
	identity, ok := d.identities[subject]
	if !ok {
		return nil, oops.With("subject", subject).Wrap(auth.ErrNotFound)
	}
	cp := *identity
	return &cp, nil
}

// FindByEmail returns a copy of the identity owned by email.
func (i Identities) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	d := i.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Identities.FindByEmail"); err != nil {
		return nil, err
	}
	for _, identity := range d.identities {
		if identity.OwnerEmail == email {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
}

// Link stores identity. The owner must exist.
func (i Identities) Link(_ context.Context, identity *auth.Identity) error {
	d := i.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Identities.Link"); err != nil {
		return err
	}
	if _, ok := d.users[identity.OwnerEmail]; !ok {
		return oops.Code("IDENTITY_OWNER_MISSING").
			With("email", identity.OwnerEmail).
			Errorf("identity owner does not exist")
	}
	if _, ok := d.identities[identity.Subject]; ok {
		return auth.ErrConflict(identity.OwnerEmail)
	}
	for _, existing := range d.identities {
		if existing.OwnerEmail == identity.OwnerEmail {
			return auth.ErrConflict(identity.OwnerEmail)
		}
	}
	cp := *identity
	d.identities[identity.Subject] = &cp
	return nil
}

// SetPreferredUsername updates the username of subject.
func (i Identities) SetPreferredUsername(_ context.Context, subject, username string) error {
	d := i.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("Identities.SetPreferredUsername"); err != nil {
		return err
	}
	identity, ok := d.identities[subject]
	if !ok {
		return oops.With("subject", subject).Wrap(auth.ErrNotFound)
	}
	identity.PreferredUsername = username
	return nil
}

// Identity returns the stored identity owned by email, or nil.
func (d *Directory) Identity(email string) *auth.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, identity := range d.identities {
		if identity.OwnerEmail == email {
			cp := *identity
			return &cp
		}
	}
	return nil
}
