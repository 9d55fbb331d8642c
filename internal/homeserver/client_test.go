// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package homeserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestWhoAmI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_matrix/client/r0/account/whoami", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			//nolint:errcheck
			json.NewEncoder(w).Encode(map[string]string{"user_id": "@alice:example.org"})
		case "Bearer bad":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(Config{Domain: "example.org", URL: srv.URL})

	user, err := c.WhoAmI(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, "@alice:example.org", user)

	_, err = c.WhoAmI(context.Background(), "bad")
	require.ErrorIs(t, err, ErrUnknownToken)

	_, err = c.WhoAmI(context.Background(), "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnknownToken)
}

func TestLogin_PassesResponseThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_matrix/client/r0/login", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "com.famedly.login.token", body["type"])

		w.WriteHeader(http.StatusOK)
		//nolint:errcheck
		json.NewEncoder(w).Encode(map[string]string{
			"user_id": "@alice:example.org", "access_token": "at",
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	resp, err := c.Login(context.Background(), map[string]any{"type": "com.famedly.login.token"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "access_token")
}

func TestProxy_ForwardsMethodPathAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/_matrix/client/v3/devices/DEV", r.URL.Path)
		require.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	resp, err := c.Proxy(context.Background(), http.MethodDelete,
		"/_matrix/client/v3/devices/DEV", []byte(`{}`), "at")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1"})

	for i := 0; i < 6; i++ {
		_, err := c.WhoAmI(context.Background(), "t")
		require.Error(t, err)
	}
	// By now the breaker is open; the call fails without dialing.
	_, err := c.WhoAmI(context.Background(), "t")
	require.Error(t, err)
}
