// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package stages

import (
	"context"
	"fmt"

	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/session"
)

// ssoStage completes a UIA flow with a one-shot OIDC login token minted
// by the callback endpoint. m.login.token requests are routed here too.
type ssoStage struct {
	deps Deps
}

func newSSOStage(_ map[string]any, deps Deps) (Stage, error) {
	if deps.SSO == nil {
		return nil, fmt.Errorf("stages: %s requires a configured OIDC section", TypeSSO)
	}
	return &ssoStage{deps: deps}, nil
}

func (s *ssoStage) Type() string { return TypeSSO }
func (s *ssoStage) IsActive(*session.Data) bool { return true }
func (s *ssoStage) Params(*session.Session) any { return nil }

func (s *ssoStage) Auth(_ context.Context, auth map[string]any, sess *session.Session) AuthResponse {
	token, ok := auth["token"].(string)
	if !ok || token == "" {
		return Failure(matrix.ErrCodeMissingToken, "Missing login token")
	}

	res, ok := s.deps.SSO.VerifyLoginToken(token, sess.ID)
	if !ok {
		return Failure(matrix.ErrCodeForbidden, "Token login failed")
	}
	return AuthResponse{
		Success: true,
		Data: &session.Data{
			Username:    res.Username,
			Displayname: res.Displayname,
		},
	}
}
