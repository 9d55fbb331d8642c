// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package stages

import (
	"context"
	"strings"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/provider"
	"github.com/famedly/uia-proxy/internal/session"
)

// passwordStage checks credentials against the configured password
// backends in order, first success wins.
type passwordStage struct {
	domain    string
	providers []provider.Password
}

func newPasswordStage(_ map[string]any, deps Deps) (Stage, error) {
	return &passwordStage{domain: deps.HomeserverDomain, providers: deps.Providers}, nil
}

func (s *passwordStage) Type() string { return TypePassword }

func (s *passwordStage) IsActive(*session.Data) bool { return true }

func (s *passwordStage) Params(*session.Session) any { return nil }

func (s *passwordStage) Auth(ctx context.Context, auth map[string]any, _ *session.Session) AuthResponse {
	user, ok := authUser(auth)
	if !ok {
		return Failure(matrix.ErrCodeBadJSON, "Missing username")
	}
	password, ok := auth["password"].(string)
	if !ok || password == "" {
		return Failure(matrix.ErrCodeBadJSON, "Missing password")
	}

	localpart, ok := s.localpart(user)
	if !ok {
		return Failure(matrix.ErrCodeUnknown, "Bad User")
	}

	for _, p := range s.providers {
		res, err := p.CheckUser(ctx, localpart, password)
		if err != nil {
			logging.Err(err).Str("provider", p.Name()).Msg("password check errored")
			continue
		}
		if !res.Success {
			continue
		}
		username := res.Username
		if username == "" {
			username = localpart
		}
		return AuthResponse{
			Success: true,
			Data: &session.Data{
				Username:         username,
				Password:         password,
				Displayname:      res.Displayname,
				Admin:            res.Admin,
				PasswordProvider: p.Name(),
			},
		}
	}
	return Failure(matrix.ErrCodeForbidden, "User not found or invalid password")
}

// authUser extracts the user from the m.id.user identifier, falling back
// to the off-spec top-level user field.
func authUser(auth map[string]any) (string, bool) {
	if identifier, ok := auth["identifier"].(map[string]any); ok {
		if idType, _ := identifier["type"].(string); idType == "m.id.user" {
			user, ok := identifier["user"].(string)
			return user, ok && user != ""
		}
		return "", false
	}
	user, ok := auth["user"].(string)
	return user, ok && user != ""
}

// localpart strips a fully qualified user ID down to the localpart,
// rejecting foreign domains.
func (s *passwordStage) localpart(user string) (string, bool) {
	if !strings.HasPrefix(user, "@") {
		return user, true
	}
	localpart, domain, found := strings.Cut(user[1:], ":")
	if !found {
		return localpart, true
	}
	if domain != s.domain {
		return "", false
	}
	return localpart, true
}

// dummyStage accepts unconditionally.
type dummyStage struct{}

func newDummyStage(map[string]any, Deps) (Stage, error) { return dummyStage{}, nil }

func (dummyStage) Type() string { return TypeDummy }

func (dummyStage) IsActive(*session.Data) bool { return true }

func (dummyStage) Params(*session.Session) any { return nil }

func (dummyStage) Auth(context.Context, map[string]any, *session.Session) AuthResponse {
	return AuthResponse{Success: true}
}
