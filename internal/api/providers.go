// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package api

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/provider"
)

// decodeStageConfig maps a raw stage config section onto a typed struct.
func decodeStageConfig(raw map[string]any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// BuildPasswordProviders constructs the password backends listed in the
// m.login.password stage config, preserving their order. Backends that
// support password changes are returned separately for the password
// endpoint. The repair utility calls this too, to reach the configured
// LDAP directory outside the HTTP surface.
func BuildPasswordProviders(raw map[string]any, m *mapper.Mapper) ([]provider.Password, []provider.Changer, error) {
	list, ok := raw["passwordProviders"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("m.login.password requires a passwordProviders list")
	}

	var providers []provider.Password
	var changers []provider.Changer
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("passwordProviders[%d] is not a mapping", i)
		}
		typ, _ := entry["type"].(string)

		switch typ {
		case "ldap":
			var cfg provider.LDAPConfig
			if err := decodeStageConfig(entry, &cfg); err != nil {
				return nil, nil, fmt.Errorf("passwordProviders[%d]: %w", i, err)
			}
			ldap, err := provider.NewLDAP(cfg, m)
			if err != nil {
				return nil, nil, fmt.Errorf("passwordProviders[%d]: %w", i, err)
			}
			providers = append(providers, ldap)
			changers = append(changers, ldap)
		case "dummy":
			var cfg provider.DummyConfig
			if err := decodeStageConfig(entry, &cfg); err != nil {
				return nil, nil, fmt.Errorf("passwordProviders[%d]: %w", i, err)
			}
			providers = append(providers, provider.NewDummy(cfg))
		default:
			return nil, nil, fmt.Errorf("passwordProviders[%d]: unknown type %q", i, typ)
		}
	}
	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("passwordProviders list is empty")
	}
	return providers, changers, nil
}
