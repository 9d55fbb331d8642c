// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package provider implements the password provider contract used by the
// m.login.password stage and the password-change endpoint.
package provider

import (
	"context"
)

// Result is the outcome of a CheckUser call.
type Result struct {
	Success bool

	// Username, when set on success, is the canonical localpart the
	// caller must adopt (providers that derive a persistent ID run it
	// through the username mapper themselves).
	Username string

	Displayname string
	Admin       *bool
}

// Password validates (user, password) pairs against a backend.
type Password interface {
	// Name identifies the provider instance in session data and logs.
	Name() string

	// CheckUser validates the credentials. A failed login is reported
	// via Result.Success; err is reserved for backend failures.
	CheckUser(ctx context.Context, username, password string) (Result, error)
}

// Changer is implemented by providers that can change a user's password.
type Changer interface {
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (bool, error)
}

// DummyConfig configures the dummy provider.
type DummyConfig struct {
	ValidPassword string `json:"validPassword"`
}

// Dummy accepts any username with the one configured password. Test and
// staging use only.
type Dummy struct {
	cfg DummyConfig
}

// NewDummy creates a dummy provider.
func NewDummy(cfg DummyConfig) *Dummy {
	return &Dummy{cfg: cfg}
}

// Name implements Password.
func (d *Dummy) Name() string { return "dummy" }

// CheckUser implements Password.
func (d *Dummy) CheckUser(_ context.Context, _, password string) (Result, error) {
	return Result{Success: password == d.cfg.ValidPassword}, nil
}
