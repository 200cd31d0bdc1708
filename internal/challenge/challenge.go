// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package challenge issues and consumes one-time WebAuthn ceremony challenges.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/kv"
)

// DefaultTTL is how long an issued challenge stays verifiable.
const DefaultTTL = 5 * time.Minute

// KeyPrefix namespaces challenges in the key-value store.
const KeyPrefix = "challenge:"

// MinValueBytes is the least entropy a challenge value may carry.
const MinValueBytes = 16

// userHandleBytes is the size of the WebAuthn user handle for new accounts.
const userHandleBytes = 16

// Purpose is the ceremony a challenge was issued for.
type Purpose string

// Challenge purposes.
const (
	PurposeRegistration   Purpose = "registration"
	PurposeAuthentication Purpose = "authentication"
)

// Challenge is a single-use ceremony challenge.
type Challenge struct {
	Value   string  `json:"value"`
	Purpose Purpose `json:"purpose"`
	// BoundEmail, DisplayName and UserHandle are set for registration only.
	BoundEmail  string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	UserHandle  string    `json:"userHandle,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	// ExcludeCredentials lists credential ids the client must not re-register.
	// Always empty while an email owns at most one credential and issuing
	// refuses emails that already own one.
	ExcludeCredentials []string `json:"-"`
}

// Config configures an Issuer.
type Config struct {
	// TTL defaults to DefaultTTL if zero or negative.
	TTL time.Duration
}

// Issuer creates challenges and consumes them exactly once.
type Issuer struct {
	store       kv.Store
	credentials auth.CredentialStore
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an Issuer.
func NewIssuer(store kv.Store, credentials auth.CredentialStore, cfg Config, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, oops.Errorf("challenge store is required")
	}
	if credentials == nil {
		return nil, oops.Errorf("credential store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	i := &Issuer{
		store:       store,
		credentials: credentials,
		ttl:         ttl,
		now:         time.Now,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the challenge lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// IssueRegistration creates a challenge bound to email and displayName.
// The email must be valid and must not own a credential yet.
func (i *Issuer) IssueRegistration(ctx context.Context, email, displayName string) (*Challenge, error) {
	if err := auth.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := auth.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}

	_, err := i.credentials.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, auth.ErrAlreadyRegistered(email)
	case !errors.Is(err, auth.ErrNotFound):
		return nil, oops.With("operation", "find credential by email").
			With("email", email).
			Wrap(err)
	}

	handle, err := randomValue(userHandleBytes)
	if err != nil {
		return nil, err
	}

	c, err := i.issue(PurposeRegistration)
	if err != nil {
		return nil, err
	}
	c.BoundEmail = email
	c.DisplayName = displayName
	c.UserHandle = handle
	c.ExcludeCredentials = []string{}

	if err := i.save(ctx, c); err != nil {
		return nil, err
	}
	i.logger.DebugContext(ctx, "registration challenge issued", "email", email)
	return c, nil
}

// IssueAuthentication creates an anonymous authentication challenge.
func (i *Issuer) IssueAuthentication(ctx context.Context) (*Challenge, error) {
	c, err := i.issue(PurposeAuthentication)
	if err != nil {
		return nil, err
	}
	if err := i.save(ctx, c); err != nil {
		return nil, err
	}
	i.logger.DebugContext(ctx, "authentication challenge issued")
	return c, nil
}

// Consume looks up and deletes the challenge in one atomic step. A missing,
// expired or already consumed challenge yields CHALLENGE_NOT_FOUND; store
// failures are infrastructure errors.
func (i *Issuer) Consume(ctx context.Context, value string) (*Challenge, error) {
	if value == "" {
		return nil, auth.ErrChallengeNotFound()
	}

	raw, err := i.store.Take(ctx, KeyPrefix+value)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, auth.ErrChallengeNotFound()
	}
	if err != nil {
		return nil, oops.With("operation", "consume challenge").Wrap(err)
	}

	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, oops.Code(auth.CodeChallengeStoreUnavailable).
			With("operation", "decode challenge").
			Wrap(err)
	}
	if !i.now().Before(c.ExpiresAt) {
		return nil, auth.ErrChallengeNotFound()
	}
	return &c, nil
}

func (i *Issuer) issue(purpose Purpose) (*Challenge, error) {
	value, err := randomValue(auth.TokenBytes)
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	return &Challenge{
		Value:     value,
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}, nil
}

func (i *Issuer) save(ctx context.Context, c *Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return oops.Code(auth.CodeChallengeStoreUnavailable).
			With("operation", "encode challenge").
			Wrap(err)
	}
	if err := i.store.Set(ctx, KeyPrefix+c.Value, raw, i.ttl); err != nil {
		return challengeStoreError(err)
	}
	return nil
}

// challengeStoreError tags a store failure. A timeout keeps its own code.
func challengeStoreError(err error) error {
	if auth.CodeOf(err) == auth.CodeStoreTimeout {
		return oops.With("operation", "store challenge").Wrap(err)
	}
	return oops.Code(auth.CodeChallengeStoreUnavailable).
		With("operation", "store challenge").
		Errorf("challenge store unavailable: %v", err)
}

func randomValue(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("CHALLENGE_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", n).
			Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidValue reports whether value decodes to at least MinValueBytes bytes.
func ValidValue(value string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	return err == nil && len(raw) >= MinValueBytes
}
