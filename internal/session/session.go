// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package session issues, validates and revokes sliding-expiration session
// tokens. Only the SHA-256 hash of a token is stored.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/kv"
	"github.com/rating-tracker/authcore/internal/observability"
)

// Session defaults.
const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxLifetime = 8 * time.Hour
	KeyPrefix          = "session:"
)

// Session is a stored session record.
type Session struct {
	ID            ulid.ULID `json:"id"`
	OwnerEmail    string    `json:"email"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastRenewedAt time.Time `json:"last_renewed_at"`
}

// Validation is the result of a successful Validate.
type Validation struct {
	Email   string
	Session *Session
	// Renewed is set when ExpiresAt moved and the client token must be rewritten.
	Renewed bool
}

// Gate is the activation check run before a session is issued.
// access.Gate implements it.
type Gate interface {
	BeforeSessionIssuance(ctx context.Context, email string) (*auth.User, error)
}

// Config holds session lifetimes. Zero values select the defaults.
type Config struct {
	// TTL is the sliding lifetime granted on creation and renewal.
	TTL time.Duration
	// MaxLifetime caps ExpiresAt, measured from IssuedAt.
	MaxLifetime time.Duration
}

// Manager owns the session lifecycle.
type Manager struct {
	store       kv.Store
	gate        Gate
	ttl         time.Duration
	maxLifetime time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager.
func NewManager(store kv.Store, gate Gate, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, oops.Errorf("session store is required")
	}
	if gate == nil {
		return nil, oops.Errorf("access gate is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.TTL < 0 || cfg.MaxLifetime < cfg.TTL {
		return nil, oops.
			With("ttl", cfg.TTL.String()).
			With("max_lifetime", cfg.MaxLifetime.String()).
			Errorf("session max lifetime must not be shorter than the ttl")
	}

	m := &Manager{
		store:       store,
		gate:        gate,
		ttl:         cfg.TTL,
		maxLifetime: cfg.MaxLifetime,
		now:         time.Now,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL returns the sliding lifetime, used as the cookie Max-Age.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create issues a session for email. The account must be activated.
func (m *Manager) Create(ctx context.Context, email string) (string, *Session, error) {
	if _, err := m.gate.BeforeSessionIssuance(ctx, email); err != nil {
		return "", nil, err
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now().UTC()
	s := &Session{
		ID:            ulid.Make(),
		OwnerEmail:    email,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.ttl),
		LastRenewedAt: now,
	}
	if err := m.save(ctx, token, s, now); err != nil {
		return "", nil, err
	}

	observability.RecordSession(observability.SessionCreated)
	m.logger.InfoContext(ctx, "session created",
		"email", email,
		"session_id", s.ID.String(),
		"expires_at", s.ExpiresAt,
	)
	return token, s, nil
}

// Validate resolves token to its owner. A session older than half its TTL
// since the last renewal slides forward, capped at IssuedAt+MaxLifetime.
// Absent and expired sessions are UNAUTHENTICATED; expired records are
// deleted.
func (m *Manager) Validate(ctx context.Context, token string) (*Validation, error) {
	if token == "" {
		return nil, auth.ErrUnauthenticated()
	}

	key := storageKey(token)
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, auth.ErrUnauthenticated()
	}
	if err != nil {
		return nil, oops.With("operation", "get session").Wrap(err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, oops.Code(auth.CodeStoreUnavailable).
			With("operation", "decode session").
			Wrap(err)
	}

	now := m.now().UTC()
	if !now.Before(s.ExpiresAt) {
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, oops.With("operation", "delete expired session").Wrap(err)
		}
		observability.RecordSession(observability.SessionExpired)
		m.logger.DebugContext(ctx, "session expired", "session_id", s.ID.String())
		return nil, auth.ErrUnauthenticated()
	}

	v := &Validation{Email: s.OwnerEmail, Session: &s}
	if now.Sub(s.LastRenewedAt) <= m.ttl/2 {
		return v, nil
	}

	expiresAt, rewrite := Slide(now, s.IssuedAt, s.ExpiresAt, m.ttl, m.maxLifetime)
	if !rewrite {
		return v, nil
	}
	s.ExpiresAt = expiresAt
	s.LastRenewedAt = now
	if err := m.renew(ctx, key, &s, now); err != nil {
		return nil, err
	}

	observability.RecordSession(observability.SessionRenewed)
	m.logger.DebugContext(ctx, "session renewed",
		"session_id", s.ID.String(),
		"expires_at", s.ExpiresAt,
	)
	v.Renewed = true
	return v, nil
}

// Revoke deletes the session of token. Revoking an absent session is not an
// error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.store.Delete(ctx, storageKey(token)); err != nil {
		return oops.With("operation", "revoke session").Wrap(err)
	}
	observability.RecordSession(observability.SessionRevoked)
	return nil
}

// Slide computes the expiry of a session being renewed at now. The new
// expiry is now+ttl, but never later than issuedAt+maxLifetime. rewrite is
// false when the expiry would not move forward.
func Slide(now, issuedAt, expiresAt time.Time, ttl, maxLifetime time.Duration) (newExpiresAt time.Time, rewrite bool) {
	target := now.Add(ttl)
	if limit := issuedAt.Add(maxLifetime); target.After(limit) {
		target = limit
	}
	if !target.After(expiresAt) {
		return expiresAt, false
	}
	return target, true
}

func (m *Manager) save(ctx context.Context, token string, s *Session, now time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}
	if err := m.store.Set(ctx, storageKey(token), raw, s.ExpiresAt.Sub(now)); err != nil {
		return oops.With("operation", "store session").With("session_id", s.ID.String()).Wrap(err)
	}
	return nil
}

// renew rewrites a session only while its record still exists, so a revoke
// racing the renewal is never undone.
func (m *Manager) renew(ctx context.Context, key string, s *Session, now time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}
	err = m.store.Replace(ctx, key, raw, s.ExpiresAt.Sub(now))
	if errors.Is(err, kv.ErrNotFound) {
		m.logger.DebugContext(ctx, "session revoked during renewal", "session_id", s.ID.String())
		return auth.ErrUnauthenticated()
	}
	if err != nil {
		return oops.With("operation", "renew session").With("session_id", s.ID.String()).Wrap(err)
	}
	return nil
}

func storageKey(token string) string {
	return KeyPrefix + auth.HashToken(token)
}
