// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package stages

import (
	"context"
	"os"
	"strings"

	"github.com/famedly/uia-proxy/internal/session"
)

// WelcomeConfig configures the com.famedly.login.welcome_message stage.
// The message is given inline or read from a file; inline wins when both
// are set.
type WelcomeConfig struct {
	WelcomeMessage string `json:"welcome_message"`
	File           string `json:"file"`
}

// welcomeStage shows an informational message; the client completes it
// without any credential.
type welcomeStage struct {
	message string
}

func newWelcomeStage(raw map[string]any, _ Deps) (Stage, error) {
	var cfg WelcomeConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	message := cfg.WelcomeMessage
	if message == "" && cfg.File != "" {
		b, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		message = strings.TrimSpace(string(b))
	}
	return &welcomeStage{message: message}, nil
}

func (s *welcomeStage) Type() string { return TypeWelcome }

// IsActive hides the stage entirely when no message is configured.
func (s *welcomeStage) IsActive(*session.Data) bool { return s.message != "" }

func (s *welcomeStage) Params(*session.Session) any {
	return map[string]string{"welcome_message": s.message}
}

func (s *welcomeStage) Auth(context.Context, map[string]any, *session.Session) AuthResponse {
	return AuthResponse{Success: true}
}
