// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package session holds per-request UIA state: which stages a client has
// completed, the attributes those stages collected, and cached stage
// parameters. Sessions live in a TimedCache and disappear after the
// configured timeout without a save.
package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/famedly/uia-proxy/internal/cache"
)

// IDLength is the length of generated session identifiers.
const IDLength = 20

// DefaultTimeout applies when the session.timeout config key is absent.
const DefaultTimeout = 30 * time.Minute

// idAlphabet is the character set for session IDs.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Data accumulates the authenticated attributes stages contribute as a
// session progresses through its flow.
type Data struct {
	Username         string
	Password         string
	Displayname      string
	Admin            *bool
	PasswordProvider string
}

// Merge copies the set fields of other into d. Later stages override
// earlier ones field by field.
func (d *Data) Merge(other *Data) {
	if other == nil {
		return
	}
	if other.Username != "" {
		d.Username = other.Username
	}
	if other.Password != "" {
		d.Password = other.Password
	}
	if other.Displayname != "" {
		d.Displayname = other.Displayname
	}
	if other.Admin != nil {
		d.Admin = other.Admin
	}
	if other.PasswordProvider != "" {
		d.PasswordProvider = other.PasswordProvider
	}
}

// Session is the per-client UIA state.
type Session struct {
	// ID is the 20-character random session identifier.
	ID string

	// Endpoint is the UIA endpoint the session was created for; it is
	// fixed at creation and requests from other endpoints are rejected.
	Endpoint string

	// Params caches per-stage parameter objects, computed once on first
	// request and replayed on every 401 progress response.
	Params map[string]any

	// Data holds the accumulated authenticated attributes.
	Data Data

	// Completed lists the stage types the client has passed, in order.
	Completed []string

	// Skipped is the set of stage types whose IsActive returned false
	// for this session.
	Skipped map[string]bool

	CreatedAt time.Time

	// mu serializes concurrent requests carrying the same session ID.
	// The store hands out one shared *Session per ID; everything that
	// reads or mutates it after lookup runs under this lock.
	mu sync.Mutex
}

// Lock acquires the session for exclusive use.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// HasCompleted reports whether the stage type is already in Completed.
func (s *Session) HasCompleted(stageType string) bool {
	for _, t := range s.Completed {
		if t == stageType {
			return true
		}
	}
	return false
}

// Store allocates session IDs and keeps sessions alive until the timeout
// elapses without a save.
type Store struct {
	cache *cache.TimedCache[string, *Session]
}

// NewStore creates a session store whose sessions expire after timeout.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		cache: cache.NewTimed[string, *Session](timeout, cache.DefaultSweepInterval),
	}
}

// New allocates a fresh session bound to endpoint. ID allocation retries
// on the (overwhelmingly unlikely) collision with a live session.
func (s *Store) New(endpoint string) (*Session, error) {
	for {
		id, err := generateID()
		if err != nil {
			return nil, err
		}
		if s.cache.Has(id) {
			continue
		}
		sess := &Session{
			ID:        id,
			Endpoint:  endpoint,
			Params:    make(map[string]any),
			Skipped:   make(map[string]bool),
			CreatedAt: time.Now(),
		}
		s.cache.Set(id, sess)
		return sess, nil
	}
}

// Get returns the live session with the given ID, or nil.
func (s *Store) Get(id string) *Session {
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return sess
}

// Save persists the session, refreshing its lifetime — but only if it is
// still live. An expired session cannot be resurrected through Save.
func (s *Store) Save(sess *Session) bool {
	if !s.cache.Has(sess.ID) {
		return false
	}
	s.cache.Set(sess.ID, sess)
	return true
}

// Close stops the store's background sweep.
func (s *Store) Close() {
	s.cache.Close()
}

// generateID returns a 20-character random ID over [A-Za-z0-9].
func generateID() (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	id := make([]byte, IDLength)
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("session: id generation: %w", err)
		}
		id[i] = idAlphabet[n.Int64()]
	}
	return string(id), nil
}
