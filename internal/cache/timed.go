// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package cache provides the TimedCache, a bounded-lifetime map used for
// UIA sessions, OIDC login tokens and in-flight OIDC authorization sessions.
package cache

import (
	"sync"
	"time"
)

// DefaultSweepInterval is how often the background sweep removes expired
// entries when no explicit interval is given.
const DefaultSweepInterval = 10 * time.Second

type entry[V any] struct {
	value V
	ts    time.Time
}

// TimedCache is a thread-safe map whose entries expire liveFor after
// insertion. Set on an existing key refreshes the timestamp. A background
// sweep keeps memory bounded; Get additionally removes an expired entry
// lazily when it is queried.
type TimedCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	liveFor time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTimed creates a TimedCache whose entries live for liveFor and starts
// the background sweep. Callers must Close the cache when done with it.
func NewTimed[K comparable, V any](liveFor, sweepInterval time.Duration) *TimedCache[K, V] {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	c := &TimedCache[K, V]{
		entries: make(map[K]entry[V]),
		liveFor: liveFor,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// expired reports whether an entry inserted at ts is past its lifetime.
func (c *TimedCache[K, V]) expired(ts, now time.Time) bool {
	return now.Sub(ts) >= c.liveFor
}

// Get returns the live value for key. An expired entry is deleted on the
// spot and reported as absent.
func (c *TimedCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.expired(e.ts, time.Now()) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry in the meantime.
		if e2, ok2 := c.entries[key]; ok2 && c.expired(e2.ts, time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Has reports whether a live entry exists for key.
func (c *TimedCache[K, V]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key with a fresh insertion timestamp.
func (c *TimedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, ts: time.Now()}
}

// Take returns the live value for key and removes it in the same lock
// acquisition, so at most one caller ever receives a given entry. An
// expired entry is removed and reported as absent.
func (c *TimedCache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	delete(c.entries, key)
	if c.expired(e.ts, time.Now()) {
		return zero, false
	}
	return e.value, true
}

// Delete removes the entry for key. No-op when absent.
func (c *TimedCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Iterate calls fn for every live entry. Returning false stops the
// iteration. The callback must not mutate the cache.
func (c *TimedCache[K, V]) Iterate(fn func(key K, value V) bool) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, e := range c.entries {
		if c.expired(e.ts, now) {
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Len returns the number of live entries.
func (c *TimedCache[K, V]) Len() int {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if !c.expired(e.ts, now) {
			n++
		}
	}
	return n
}

// Close stops the background sweep. The cache remains usable afterwards
// but no longer reclaims memory on its own.
func (c *TimedCache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// sweepLoop periodically removes expired entries so memory does not grow
// with abandoned sessions.
func (c *TimedCache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TimedCache[K, V]) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e.ts, now) {
			delete(c.entries, k)
		}
	}
}
