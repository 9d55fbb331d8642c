// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimedCache_SetGet(t *testing.T) {
	c := NewTimed[string, int](time.Minute, time.Minute)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v, want 1, true", v, ok)
	}
	if !c.Has("a") {
		t.Error("Has(a) = false, want true")
	}
	if c.Has("b") {
		t.Error("Has(b) = true, want false")
	}
}

func TestTimedCache_Expiry(t *testing.T) {
	c := NewTimed[string, string](20*time.Millisecond, time.Minute)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("Get after TTL returned a value")
	}
	if c.Has("k") {
		t.Error("Has after TTL = true")
	}
	// The lazy delete in Get must have removed the raw entry.
	c.mu.RLock()
	_, raw := c.entries["k"]
	c.mu.RUnlock()
	if raw {
		t.Error("expired entry not lazily deleted by Get")
	}
}

func TestTimedCache_SetRefreshesTimestamp(t *testing.T) {
	c := NewTimed[string, int](40*time.Millisecond, time.Minute)
	defer c.Close()

	c.Set("k", 1)
	time.Sleep(25 * time.Millisecond)
	c.Set("k", 2)
	time.Sleep(25 * time.Millisecond)

	v, ok := c.Get("k")
	if !ok || v != 2 {
		t.Fatalf("Get(k) = %v, %v; refreshed entry should still be live", v, ok)
	}
}

func TestTimedCache_Sweep(t *testing.T) {
	c := NewTimed[int, int](10*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	for i := range 10 {
		c.Set(i, i)
	}
	time.Sleep(60 * time.Millisecond)

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	if n != 0 {
		t.Errorf("sweep left %d entries, want 0", n)
	}
}

func TestTimedCache_IterateSkipsExpired(t *testing.T) {
	c := NewTimed[string, int](30*time.Millisecond, time.Minute)
	defer c.Close()

	c.Set("old", 1)
	time.Sleep(35 * time.Millisecond)
	c.Set("new", 2)

	seen := map[string]int{}
	c.Iterate(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 1 || seen["new"] != 2 {
		t.Errorf("Iterate saw %v, want only the live entry", seen)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestTimedCache_Take(t *testing.T) {
	c := NewTimed[string, int](time.Minute, time.Minute)
	defer c.Close()

	c.Set("k", 1)
	v, ok := c.Take("k")
	if !ok || v != 1 {
		t.Fatalf("Take(k) = %v, %v, want 1, true", v, ok)
	}
	if _, ok := c.Take("k"); ok {
		t.Error("second Take returned the entry again")
	}

	c.Set("expired", 2)
	c.mu.Lock()
	c.entries["expired"] = entry[int]{value: 2, ts: time.Now().Add(-2 * time.Minute)}
	c.mu.Unlock()
	if _, ok := c.Take("expired"); ok {
		t.Error("Take returned an expired entry")
	}
	if c.Has("expired") {
		t.Error("Take left the expired entry behind")
	}
}

func TestTimedCache_TakeHasOneWinner(t *testing.T) {
	c := NewTimed[string, int](time.Minute, time.Minute)
	defer c.Close()

	for trial := 0; trial < 200; trial++ {
		c.Set("k", trial)

		var wins atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := c.Take("k"); ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if n := wins.Load(); n != 1 {
			t.Fatalf("trial %d: %d callers received the entry, want 1", trial, n)
		}
	}
}

func TestTimedCache_Delete(t *testing.T) {
	c := NewTimed[string, int](time.Minute, time.Minute)
	defer c.Close()

	c.Set("k", 1)
	c.Delete("k")
	if c.Has("k") {
		t.Error("Has after Delete = true")
	}
	// Deleting an absent key must not panic.
	c.Delete("absent")
}
