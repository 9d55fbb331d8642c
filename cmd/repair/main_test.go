// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/famedly/uia-proxy/internal/mapper"
)

// fakeDirectory maps persistent IDs to current usernames.
type fakeDirectory struct {
	users map[string]string
}

func (d *fakeDirectory) FindByPersistentID(_ context.Context, pid []byte) (string, bool, error) {
	username, ok := d.users[string(pid)]
	return username, ok, nil
}

func TestRepairMappings(t *testing.T) {
	store := mapper.NewMemoryStore()

	// Entries written under the old pepper end up at stale localparts.
	oldMapper, err := mapper.New(mapper.Config{Mode: mapper.ModeHMACSHA256, Pepper: "old"}, store)
	require.NoError(t, err)
	stale, err := oldMapper.UsernameToLocalpart("alice", []byte("pid-1"))
	require.NoError(t, err)
	orphan, err := oldMapper.UsernameToLocalpart("gone", []byte("pid-2"))
	require.NoError(t, err)
	_, err = oldMapper.UsernameToLocalpart("nopid", nil)
	require.NoError(t, err)

	m, err := mapper.New(mapper.Config{Mode: mapper.ModeHMACSHA256, Pepper: "new"}, store)
	require.NoError(t, err)

	// The directory knows pid-1 under a renamed account; pid-2 is gone.
	dir := &fakeDirectory{users: map[string]string{"pid-1": "alice.renamed"}}

	stats, err := repairMappings(context.Background(), m, dir)
	require.NoError(t, err)
	require.Equal(t, 3, stats.total)
	require.Equal(t, 1, stats.rewritten)
	require.Equal(t, 1, stats.moved)
	require.Equal(t, 1, stats.missing)

	// The mapping now lives under the new-pepper localpart with the
	// directory's current username, and the stale key is gone.
	moved, err := m.UsernameToLocalpart("alice.renamed", []byte("pid-1"))
	require.NoError(t, err)
	require.NotEqual(t, stale, moved)

	entry, err := m.LocalpartToUsername(moved)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "alice.renamed", entry.Username)

	gone, err := m.LocalpartToUsername(stale)
	require.NoError(t, err)
	require.Nil(t, gone)

	// Entries missing from the directory are kept untouched.
	kept, err := m.LocalpartToUsername(orphan)
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.Equal(t, "gone", kept.Username)
}
