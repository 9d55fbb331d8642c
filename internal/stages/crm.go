// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package stages

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/session"
)

// CRMConfig configures the com.famedly.login.crm stage.
type CRMConfig struct {
	// URL is the CRM base URL; its /key endpoint serves the token
	// verification key.
	URL string `json:"url"`

	// PharmacyID must equal the token's pharmacy_id claim.
	PharmacyID any `json:"pharmacy_id"`
}

// crmKey is the CRM's verification key material as served by /key.
type crmKey struct {
	Key       string `json:"key"`
	Algorithm string `json:"algorithm"`
}

// crmStage validates CRM-issued JWTs. The verification key is fetched
// lazily and refreshed once when a token fails to verify, so a CRM-side
// key rotation costs one retry instead of an outage.
type crmStage struct {
	cfg    CRMConfig
	client *http.Client

	mu  sync.Mutex
	key *crmKey
}

func newCRMStage(raw map[string]any, _ Deps) (Stage, error) {
	var cfg CRMConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("stages: %s requires a url", TypeCRM)
	}
	return &crmStage{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (s *crmStage) Type() string { return TypeCRM }
func (s *crmStage) IsActive(*session.Data) bool { return true }
func (s *crmStage) Params(*session.Session) any { return nil }

func (s *crmStage) Auth(ctx context.Context, auth map[string]any, _ *session.Session) AuthResponse {
	token, ok := auth["token"].(string)
	if !ok || token == "" {
		return Failure(matrix.ErrCodeMissingToken, "Missing token")
	}

	claims, err := s.verify(ctx, token, false)
	if err != nil {
		// The CRM may have rotated its key since we cached it.
		claims, err = s.verify(ctx, token, true)
	}
	if err != nil {
		logging.Err(err).Msg("CRM token verification failed")
		return Failure(matrix.ErrCodeUnauthorized, "Token verification failed")
	}

	if fmt.Sprint(claims["pharmacy_id"]) != fmt.Sprint(s.cfg.PharmacyID) {
		return Failure(matrix.ErrCodeUnauthorized, "Token is for a different pharmacy")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Failure(matrix.ErrCodeUnauthorized, "Token has no subject")
	}
	data := &session.Data{Username: sub}
	if name, ok := claims["name"].(string); ok {
		data.Displayname = name
	}
	if admin, ok := claims["pharmacy_admin"].(bool); ok {
		data.Admin = &admin
	}
	return AuthResponse{Success: true, Data: data}
}

// verify parses and validates the token against the cached key, fetching
// it first when missing or when refresh forces a refetch.
func (s *crmStage) verify(ctx context.Context, token string, refresh bool) (jwt.MapClaims, error) {
	key, err := s.verificationKey(ctx, refresh)
	if err != nil {
		return nil, err
	}
	material, err := parseKeyMaterial(key)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return material, nil
	}, jwt.WithValidMethods([]string{key.Algorithm}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *crmStage) verificationKey(ctx context.Context, refresh bool) (*crmKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && !refresh {
		return s.key, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(s.cfg.URL, "/")+"/key", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stages: fetch CRM key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stages: CRM key endpoint returned %d", resp.StatusCode)
	}

	var key crmKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return nil, fmt.Errorf("stages: decode CRM key: %w", err)
	}
	s.key = &key
	return s.key, nil
}

// parseKeyMaterial turns the served key into what the JWT verifier
// expects for the algorithm family.
func parseKeyMaterial(key *crmKey) (any, error) {
	switch {
	case strings.HasPrefix(key.Algorithm, "HS"):
		return []byte(key.Key), nil
	case strings.HasPrefix(key.Algorithm, "RS"), strings.HasPrefix(key.Algorithm, "PS"):
		return jwt.ParseRSAPublicKeyFromPEM([]byte(key.Key))
	case strings.HasPrefix(key.Algorithm, "ES"):
		return jwt.ParseECPublicKeyFromPEM([]byte(key.Key))
	default:
		return nil, fmt.Errorf("stages: unsupported CRM key algorithm %q", key.Algorithm)
	}
}
