// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package kv provides the TTL key-value store holding challenges, sessions
// and rate-limit counters. Every operation is atomic per key.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Counter is the state of a fixed-window counter after an increment.
type Counter struct {
	Count int64
	// TTL is the time left until the window resets.
	TTL time.Duration
}

// Store is a TTL-capable key-value store. Expired keys behave as absent.
// Storage failures are reported with the STORE_UNAVAILABLE or STORE_TIMEOUT
// codes and never as ErrNotFound.
type Store interface {
	// Get returns the value of key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Replace overwrites the value and ttl of an existing key. Returns
	// ErrNotFound without writing when key is absent or expired.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take returns the value of key and deletes it in the same step.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment adds one to the counter under key. The first increment
	// starts a window of the given length after which the counter resets.
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
