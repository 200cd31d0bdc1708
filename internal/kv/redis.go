// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package kv

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// incrementScript increments a counter and arms its expiry on the first hit
// of a window. A counter that somehow lost its expiry is re-armed.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore is a Store backed by Redis. Expiry is native to Redis.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, oops.Errorf("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// NewRedisClient parses a redis:// URL and creates a client. A non-empty
// password overrides the one in the URL.
func NewRedisClient(url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").
			With("operation", "parse redis url").
			Wrap(err)
	}
	if password != "" {
		opts.Password = password
	}
	return redis.NewClient(opts), nil
}

// Get returns the value of key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, storeError("get", key, err)
	}
	return value, nil
}

// Set stores value under key for ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeError("set", key, err)
	}
	return nil
}

// Replace overwrites key with SET XX.
func (s *RedisStore) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := s.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return storeError("setxx", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Take reads and deletes key with GETDEL.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		return nil, storeError("getdel", key, err)
	}
	return value, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return storeError("del", key, err)
	}
	return nil
}

// Increment runs the counter script.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, storeError("increment", key, err)
	}
	if len(res) != 2 {
		return Counter{}, oops.Code(auth.CodeStoreUnavailable).
			With("operation", "increment").
			With("key", key).
			Errorf("unexpected script result of length %d", len(res))
	}
	return Counter{Count: res[0], TTL: time.Duration(res[1]) * time.Millisecond}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError("ping", "", err)
	}
	return nil
}

// storeError maps a Redis error. redis.Nil becomes ErrNotFound; timeouts and
// other failures keep distinct codes so they are never mistaken for absence.
func storeError(operation, key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}

	code := auth.CodeStoreUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = auth.CodeStoreTimeout
	}

	return oops.Code(code).
		With("operation", operation).
		With("key", key).
		Wrap(err)
}
