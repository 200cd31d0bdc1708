// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package ratelimit enforces a fixed-window request budget per client address.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/kv"
	"github.com/rating-tracker/authcore/internal/observability"
)

// Default budget values.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// KeyPrefix namespaces rate-limit counters in the key-value store.
const KeyPrefix = "ratelimit:"

// Config configures a Limiter.
type Config struct {
	// Limit is the number of requests admitted per window.
	// Defaults to DefaultLimit if zero or negative.
	Limit int

	// Window is the length of a counting window.
	// Defaults to DefaultWindow if zero or negative.
	Window time.Duration
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// RetryAfterSeconds returns ResetAfter rounded up to whole seconds, at least one.
func (d Decision) RetryAfterSeconds() int64 {
	secs := int64((d.ResetAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter counts requests per key with one atomic store increment each, so
// concurrent requests can never be admitted beyond the limit.
type Limiter struct {
	store  kv.Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter over store.
func New(store kv.Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, oops.Errorf("rate limit store is required")
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	l := &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the per-window budget.
func (l *Limiter) Limit() int {
	return l.limit
}

// Allow counts one request for key. A store failure is returned as an
// infrastructure error and the request is not admitted.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	counter, err := l.store.Increment(ctx, KeyPrefix+key, l.window)
	if err != nil {
		return Decision{Limit: l.limit}, oops.With("operation", "rate limit increment").Wrap(err)
	}

	remaining := l.limit - int(counter.Count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:    counter.Count <= int64(l.limit),
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: counter.TTL,
	}

	if !d.Allowed {
		observability.RecordRateLimitRejection()
		l.logger.DebugContext(ctx, "rate limit exceeded",
			"key", key,
			"count", counter.Count,
			"limit", l.limit,
			"reset_after", counter.TTL,
		)
	}
	return d, nil
}

// Check is Allow returning a RATE_LIMITED error when the request is rejected.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	d, err := l.Allow(ctx, key)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, auth.ErrRateLimited(key, d.RetryAfterSeconds())
	}
	return d, nil
}
