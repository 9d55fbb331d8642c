// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package main is the mapper repair utility. It walks every username
// mapper entry and, for entries carrying a persistent ID, re-fetches the
// user from the configured LDAP directory, re-derives the localpart
// under the current mapper settings and rewrites the mapping. Mappings
// that move to a new localpart have their old key removed. Run it after
// changing the pepper, the binaryPid flag or directory usernames.
package main

import (
	"context"
	"errors"
	"flag"

	"github.com/famedly/uia-proxy/internal/api"
	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/provider"
)

// directory resolves a persistent ID to the current source username.
// The LDAP password provider implements it.
type directory interface {
	FindByPersistentID(ctx context.Context, pid []byte) (string, bool, error)
}

type repairStats struct {
	total     int
	rewritten int
	moved     int
	missing   int
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logging.Init(cfg.Logging); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize logging")
	}
	if cfg.UsernameMapper.Folder == "" {
		logging.Fatal().Msg("usernameMapper.folder is required for repair")
	}

	store, err := mapper.OpenBadger(cfg.UsernameMapper.Folder)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open username mapper store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing mapper store")
		}
	}()

	m, err := mapper.New(cfg.UsernameMapper, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize username mapper")
	}

	dir, err := ldapDirectory(cfg, m)
	if err != nil {
		logging.Fatal().Err(err).Msg("Repair requires a configured LDAP password provider")
	}

	stats, err := repairMappings(context.Background(), m, dir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Repair failed")
	}

	logging.Info().
		Int("entries", stats.total).
		Int("rewritten", stats.rewritten).
		Int("moved", stats.moved).
		Int("missing", stats.missing).
		Msg("Repair complete")
}

// ldapDirectory builds the first LDAP backend found in any endpoint's
// m.login.password stage config.
func ldapDirectory(cfg *config.Config, m *mapper.Mapper) (directory, error) {
	for _, ec := range cfg.Endpoints() {
		raw, ok := ec.Stages["m.login.password"]
		if !ok {
			continue
		}
		providers, _, err := api.BuildPasswordProviders(raw, m)
		if err != nil {
			return nil, err
		}
		for _, p := range providers {
			if l, ok := p.(*provider.LDAP); ok {
				return l, nil
			}
		}
	}
	return nil, errors.New("no LDAP password provider configured")
}

// repairMappings rewrites every entry with a persistent ID from live
// directory data. Entries are collected first so the store is never
// mutated while it is being iterated.
func repairMappings(ctx context.Context, m *mapper.Mapper, dir directory) (repairStats, error) {
	var stats repairStats

	type pending struct {
		localpart string
		entry     mapper.Entry
	}
	var work []pending
	err := m.Iterate(func(localpart string, entry mapper.Entry) error {
		stats.total++
		if len(entry.PersistentID) > 0 {
			work = append(work, pending{localpart: localpart, entry: entry})
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, w := range work {
		username, found, err := dir.FindByPersistentID(ctx, w.entry.PersistentID)
		if err != nil {
			return stats, err
		}
		if !found {
			stats.missing++
			logging.Warn().
				Str("localpart", w.localpart).
				Str("username", w.entry.Username).
				Msg("Persistent ID not found in directory, keeping mapping")
			continue
		}

		derived, err := m.UsernameToLocalpart(username, w.entry.PersistentID)
		if err != nil {
			return stats, err
		}
		stats.rewritten++
		if derived != w.localpart {
			if err := m.Delete(w.localpart); err != nil {
				return stats, err
			}
			stats.moved++
			logging.Warn().
				Str("old", w.localpart).
				Str("new", derived).
				Str("username", username).
				Msg("Mapping moved to a new localpart")
		}
	}
	return stats, nil
}
