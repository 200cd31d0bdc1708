// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package kv

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCleanupInterval is the interval at which expired entries are swept.
const DefaultCleanupInterval = time.Minute

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// CleanupInterval defaults to DefaultCleanupInterval if zero.
	CleanupInterval time.Duration

	// Registerer, if set, receives an entry count gauge.
	Registerer prometheus.Registerer

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryStore is a single-instance Store guarded by one mutex. Expiry is
// checked on read and a background goroutine sweeps expired entries.
// Call Close to stop it.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	entryGauge prometheus.Gauge
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore and starts its sweeper.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &MemoryStore{
		entries:  make(map[string]entry),
		now:      now,
		stopChan: make(chan struct{}),
	}

	if cfg.Registerer != nil {
		s.entryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authcore_kv_memory_entries",
			Help: "Current number of entries held by the in-memory key-value store",
		})
		cfg.Registerer.MustRegister(s.entryGauge)
	}

	s.wg.Add(1)
	go s.cleanupLoop(interval)

	return s
}

// lookup returns the live entry for key, dropping it if expired. Callers hold s.mu.
func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Get returns a copy of the value under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set stores a copy of value.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: s.now().Add(ttl)}
	return nil
}

// Replace overwrites key only when it is present.
func (s *MemoryStore) Replace(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); !ok {
		return ErrNotFound
	}
	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: s.now().Add(ttl)}
	return nil
}

// Take returns and deletes the value under key.
func (s *MemoryStore) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, key)
	return e.value, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Increment bumps the counter under key, starting a new window when the
// previous one elapsed.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.lookup(key)
	var count int64
	if ok {
		count, _ = strconv.ParseInt(string(e.value), 10, 64)
	} else {
		e = entry{expiresAt: now.Add(window)}
	}
	count++
	e.value = strconv.AppendInt(nil, count, 10)
	s.entries[key] = e

	return Counter{Count: count, TTL: e.expiresAt.Sub(now)}, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup removes expired entries. The sweeper calls it periodically.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}

	if s.entryGauge != nil {
		s.entryGauge.Set(float64(len(s.entries)))
	}
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Close stops the sweeper and blocks until it has exited. It is safe to call
// more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}
