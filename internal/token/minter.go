// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package token mints the short-lived JWTs the homeserver's token
// authenticator accepts for com.famedly.login.token logins.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every minted token.
const Issuer = "Famedly Login Service"

// Config holds the homeserver.token section of the configuration.
type Config struct {
	// Secret is the shared HMAC secret or the PEM-encoded private key,
	// depending on the algorithm family.
	Secret string `koanf:"secret" json:"secret"`

	// Algorithm is one of HS256..HS512, RS256..RS512, ES256..ES512,
	// PS256..PS512 or none.
	Algorithm string `koanf:"algorithm" json:"algorithm"`

	// Expires is the token lifetime in milliseconds.
	Expires int64 `koanf:"expires" json:"expires"`
}

// Minter signs login tokens for the upstream homeserver.
type Minter struct {
	method  jwt.SigningMethod
	key     any
	expires time.Duration
}

// New creates a Minter. Unknown algorithms and unparseable keys are
// configuration errors and fatal at startup.
func New(cfg Config) (*Minter, error) {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("token: unknown signing algorithm %q", cfg.Algorithm)
	}

	key, err := signingKey(cfg)
	if err != nil {
		return nil, err
	}

	expires := time.Duration(cfg.Expires) * time.Millisecond
	if expires <= 0 {
		expires = 2 * time.Minute
	}

	return &Minter{method: method, key: key, expires: expires}, nil
}

// signingKey parses the configured secret according to the algorithm
// family.
func signingKey(cfg Config) (any, error) {
	switch {
	case cfg.Algorithm == "none":
		return jwt.UnsafeAllowNoneSignatureType, nil
	case cfg.Secret == "":
		return nil, fmt.Errorf("token: algorithm %s requires a secret", cfg.Algorithm)
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		return []byte(cfg.Secret), nil
	case strings.HasPrefix(cfg.Algorithm, "RS"), strings.HasPrefix(cfg.Algorithm, "PS"):
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("token: parse RSA key: %w", err)
		}
		return key, nil
	case strings.HasPrefix(cfg.Algorithm, "ES"):
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("token: parse EC key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("token: unknown signing algorithm %q", cfg.Algorithm)
	}
}

// Mint signs a token carrying the authenticated subject. admin and
// displayname are only included when known.
func (m *Minter) Mint(sub string, admin *bool, displayname string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": Issuer,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(m.expires).Unix(),
	}
	if admin != nil {
		claims["admin"] = *admin
	}
	if displayname != "" {
		claims["displayname"] = displayname
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}
