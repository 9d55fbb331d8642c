// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMinter_HS256RoundTrip(t *testing.T) {
	m, err := New(Config{Secret: "s3cr3t", Algorithm: "HS256", Expires: 120000})
	require.NoError(t, err)

	admin := true
	signed, err := m.Mint("alice", &admin, "Alice")
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return []byte("s3cr3t"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, Issuer, claims["iss"])
	require.Equal(t, "alice", claims["sub"])
	require.Equal(t, true, claims["admin"])
	require.Equal(t, "Alice", claims["displayname"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(2*time.Minute), exp.Time, 5*time.Second)
}

func TestMinter_OptionalClaimsOmitted(t *testing.T) {
	m, err := New(Config{Secret: "s", Algorithm: "HS512", Expires: 1000})
	require.NoError(t, err)

	signed, err := m.Mint("bob", nil, "")
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.NotContains(t, claims, "admin")
	require.NotContains(t, claims, "displayname")
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New(Config{Secret: "s", Algorithm: "XX999"})
	require.Error(t, err)
}

func TestNew_MissingSecret(t *testing.T) {
	_, err := New(Config{Algorithm: "HS256"})
	require.Error(t, err)
}

func TestNew_BadPEMKey(t *testing.T) {
	_, err := New(Config{Secret: "not a pem", Algorithm: "RS256"})
	require.Error(t, err)
}

func TestMinter_None(t *testing.T) {
	m, err := New(Config{Algorithm: "none", Expires: 1000})
	require.NoError(t, err)

	signed, err := m.Mint("alice", nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, signed)
}
