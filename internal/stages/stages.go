// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package stages implements the authentication stages a UIA flow is
// composed of. Stages are stateless across sessions; each instance holds
// only its own configuration and injected dependencies.
package stages

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/famedly/uia-proxy/internal/oidcsso"
	"github.com/famedly/uia-proxy/internal/provider"
	"github.com/famedly/uia-proxy/internal/session"
)

// Stage type identifiers. The m.login.* types are defined by the Matrix
// client-server spec; com.famedly.* are extensions.
const (
	TypePassword = "m.login.password"
	TypeDummy    = "m.login.dummy"
	TypeToken    = "m.login.token"
	TypeWelcome  = "com.famedly.login.welcome_message"
	TypeSSO      = "com.famedly.login.sso"
	TypeCRM      = "com.famedly.login.crm"
)

// AuthResponse is the outcome of one stage attempt. On success Data
// carries what the stage learned about the user; on failure ErrCode and
// Error describe the rejection in Matrix wire terms.
type AuthResponse struct {
	Success bool
	Data    *session.Data
	ErrCode string
	Error   string
}

// Failure builds a failed AuthResponse.
func Failure(errCode, message string) AuthResponse {
	return AuthResponse{ErrCode: errCode, Error: message}
}

// Stage is one authentication step.
type Stage interface {
	// Type returns the stage's wire identifier.
	Type() string

	// IsActive reports whether the stage participates in flows given
	// what the session has learned so far.
	IsActive(data *session.Data) bool

	// Params returns the stage's public parameters, or nil when the
	// stage exposes none.
	Params(sess *session.Session) any

	// Auth attempts the stage with the client-supplied auth dict.
	Auth(ctx context.Context, auth map[string]any, sess *session.Session) AuthResponse
}

// Deps carries the shared dependencies stages draw on.
type Deps struct {
	// HomeserverDomain is the server_name fully qualified user IDs must
	// carry.
	HomeserverDomain string

	// Providers are the password backends, in configuration order.
	Providers []provider.Password

	// SSO is the OIDC coordinator; nil when no SSO stage is configured.
	SSO *oidcsso.SSO
}

// Constructor builds a stage instance from its raw config section.
type Constructor func(cfg map[string]any, deps Deps) (Stage, error)

var registry = map[string]Constructor{
	TypePassword: newPasswordStage,
	TypeDummy:    newDummyStage,
	TypeWelcome:  newWelcomeStage,
	TypeSSO:      newSSOStage,
	TypeCRM:      newCRMStage,
}

// New instantiates the stage registered under the given type.
func New(stageType string, cfg map[string]any, deps Deps) (Stage, error) {
	ctor, ok := registry[stageType]
	if !ok {
		return nil, fmt.Errorf("stages: unknown stage type %q", stageType)
	}
	return ctor(cfg, deps)
}

// decodeConfig maps a raw YAML-derived config section onto a typed
// stage config via a JSON round trip.
func decodeConfig(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
