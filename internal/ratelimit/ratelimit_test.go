// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/kv"
	"github.com/rating-tracker/authcore/internal/ratelimit"
	"github.com/rating-tracker/authcore/pkg/errutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T, cfg ratelimit.Config) (*ratelimit.Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(kv.MemoryConfig{Now: c.Now})
	t.Cleanup(func() { _ = store.Close() })

	l, err := ratelimit.New(store, cfg)
	require.NoError(t, err)
	return l, c
}

// failingStore fails every increment.
type failingStore struct {
	kv.Store
}

func (failingStore) Increment(context.Context, string, time.Duration) (kv.Counter, error) {
	return kv.Counter{}, oops.Code(auth.CodeStoreUnavailable).Wrap(errors.New("connection refused"))
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := ratelimit.New(nil, ratelimit.Config{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{Limit: -1})
		assert.Equal(t, ratelimit.DefaultLimit, l.Limit())
	})
}

func TestLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to the limit then rejects", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{})

		for i := 1; i <= ratelimit.DefaultLimit; i++ {
			d, err := l.Allow(ctx, "203.0.113.7")
			require.NoError(t, err)
			require.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, ratelimit.DefaultLimit-i, d.Remaining)
		}

		d, err := l.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
		assert.Equal(t, ratelimit.DefaultLimit, d.Limit)
		assert.Greater(t, d.ResetAfter, time.Duration(0))
	})

	t.Run("distinct addresses have separate budgets", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{})

		for i := 0; i < 61; i++ {
			d, err := l.Allow(ctx, fmt.Sprintf("198.51.100.%d", i))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
	})

	t.Run("window elapses and counter resets", func(t *testing.T) {
		l, c := newLimiter(t, ratelimit.Config{Limit: 2, Window: 10 * time.Second})

		for i := 0; i < 3; i++ {
			_, err := l.Allow(ctx, "ip")
			require.NoError(t, err)
		}
		d, err := l.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		c.Advance(11 * time.Second)
		d, err = l.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Remaining)
	})

	t.Run("concurrent requests never exceed the limit", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{Limit: 60})

		var (
			wg       sync.WaitGroup
			admitted atomic.Int64
		)
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(ctx, "203.0.113.7")
				if err == nil && d.Allowed {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(60), admitted.Load())
	})

	t.Run("store failure is not admitted", func(t *testing.T) {
		l, err := ratelimit.New(failingStore{}, ratelimit.Config{})
		require.NoError(t, err)

		d, err := l.Allow(ctx, "ip")
		require.Error(t, err)
		assert.False(t, d.Allowed)
		errutil.AssertErrorCode(t, err, auth.CodeStoreUnavailable)
		assert.Equal(t, auth.KindInfrastructure, auth.KindOf(err))
	})
}

func TestLimiter_Check(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, ratelimit.Config{Limit: 1, Window: 30 * time.Second})

	_, err := l.Check(ctx, "203.0.113.7")
	require.NoError(t, err)

	_, err = l.Check(ctx, "203.0.113.7")
	errutil.AssertErrorCode(t, err, auth.CodeRateLimited)
	errutil.AssertErrorContext(t, err, "retry_after_s", int64(30))
	assert.Equal(t, "Please try again later.", auth.PublicMessage(err))
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(1), ratelimit.Decision{}.RetryAfterSeconds())
	assert.Equal(t, int64(2), ratelimit.Decision{ResetAfter: 1500 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, int64(60), ratelimit.Decision{ResetAfter: time.Minute}.RetryAfterSeconds())
}
