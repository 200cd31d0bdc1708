// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/rating-tracker/authcore/internal/kv"
	"github.com/rating-tracker/authcore/internal/postgres"
)

// Database wraps the methods used from *pgxpool.Pool.
type Database interface {
	postgres.Pool
	Ping(ctx context.Context) error
	Close()
}

// SchemaMigrator wraps the methods used from postgres.Migrator.
type SchemaMigrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

// Deps contains injectable dependencies for the commands.
// Nil fields use their default implementations.
type Deps struct {
	// OpenDatabase connects to PostgreSQL.
	// Default: postgres.Open
	OpenDatabase func(ctx context.Context, url string) (Database, error)

	// NewMigrator creates a schema migrator.
	// Default: postgres.NewMigrator
	NewMigrator func(url string) (SchemaMigrator, error)

	// NewRedisClient creates a Redis client.
	// Default: kv.NewRedisClient
	NewRedisClient func(url, password string) (redis.UniversalClient, error)

	// Backoff paces startup connection attempts.
	// Default: exponential from 250ms, capped at 5s, five retries.
	Backoff func() retry.Backoff

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.OpenDatabase == nil {
		out.OpenDatabase = func(ctx context.Context, url string) (Database, error) {
			return postgres.Open(ctx, url)
		}
	}
	if out.NewMigrator == nil {
		out.NewMigrator = func(url string) (SchemaMigrator, error) {
			return postgres.NewMigrator(url)
		}
	}
	if out.NewRedisClient == nil {
		out.NewRedisClient = func(url, password string) (redis.UniversalClient, error) {
			return kv.NewRedisClient(url, password)
		}
	}
	if out.Backoff == nil {
		out.Backoff = func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.WithCappedDuration(5*time.Second, retry.NewExponential(250*time.Millisecond)))
		}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// connect calls open until it succeeds or the backoff gives up.
func connect[T any](ctx context.Context, d *Deps, dependency string, open func(ctx context.Context) (T, error)) (T, error) {
	var (
		out     T
		attempt int
	)
	err := retry.Do(ctx, d.Backoff(), func(ctx context.Context) error {
		attempt++
		v, err := open(ctx)
		if err != nil {
			d.Logger.WarnContext(ctx, "connection attempt failed",
				"dependency", dependency, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}

// openDatabase connects to PostgreSQL with retries.
func openDatabase(ctx context.Context, d *Deps, url string) (Database, error) {
	return connect(ctx, d, "postgres", func(ctx context.Context) (Database, error) {
		return d.OpenDatabase(ctx, url)
	})
}
