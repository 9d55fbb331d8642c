// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package homeserver is the HTTP client for the upstream Matrix
// homeserver. All calls run through a circuit breaker so a dead upstream
// fails fast instead of holding request goroutines for the full timeout.
package homeserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/token"
)

// DefaultBase is the client-server API prefix used when homeserver.base
// is not configured.
const DefaultBase = "/_matrix/client"

// ErrUnknownToken reports that the homeserver rejected the access token.
var ErrUnknownToken = errors.New("homeserver: unknown access token")

// Config holds the homeserver section of the configuration.
type Config struct {
	// Domain is the server_name of user IDs this proxy serves.
	Domain string `koanf:"domain" json:"domain"`

	// URL is the homeserver's client-server API base URL.
	URL string `koanf:"url" json:"url"`

	// Base overrides the API prefix.
	// Default: /_matrix/client
	Base string `koanf:"base" json:"base"`

	// Token configures the login-token minter.
	Token token.Config `koanf:"token" json:"token"`
}

// Response is a raw upstream response, returned verbatim to the client.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client calls the upstream homeserver.
type Client struct {
	domain  string
	baseURL string
	rootURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
}

// New builds a homeserver client from the config.
func New(cfg Config) *Client {
	base := cfg.Base
	if base == "" {
		base = DefaultBase
	}
	root := strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		domain:  cfg.Domain,
		baseURL: root + base,
		rootURL: root,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
			Name: "homeserver",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

// Domain returns the configured server_name.
func (c *Client) Domain() string { return c.domain }

// do performs one upstream request through the breaker. Only transport
// failures count against the breaker; upstream error statuses are valid
// responses.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, accessToken string) (*Response, error) {
	return c.breaker.Execute(func() (*Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("homeserver: %s %s: %w", method, rawURL, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("homeserver: read response: %w", err)
		}
		return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
	})
}

// Login sends a login request and returns the upstream response
// verbatim.
func (c *Client) Login(ctx context.Context, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/r0/login", payload, "")
}

// WhoAmI validates an access token and returns the user it belongs to.
// A 401-class upstream response maps to ErrUnknownToken.
func (c *Client) WhoAmI(ctx context.Context, accessToken string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/r0/account/whoami", nil, accessToken)
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return "", fmt.Errorf("homeserver: decode whoami: %w", err)
		}
		return body.UserID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnknownToken
	default:
		return "", fmt.Errorf("homeserver: whoami returned %d", resp.StatusCode)
	}
}

// Proxy forwards a request to the same path on the homeserver with the
// user's token.
func (c *Client) Proxy(ctx context.Context, method, path string, body []byte, accessToken string) (*Response, error) {
	return c.do(ctx, method, c.rootURL+path, body, accessToken)
}

// SetDisplayname sets the user's profile displayname, best effort after
// a successful login.
func (c *Client) SetDisplayname(ctx context.Context, userID, accessToken, displayname string) error {
	payload, err := json.Marshal(map[string]string{"displayname": displayname})
	if err != nil {
		return err
	}
	target := c.baseURL + "/r0/profile/" + url.PathEscape(userID) + "/displayname"
	resp, err := c.do(ctx, http.MethodPut, target, payload, accessToken)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("homeserver: set displayname returned %d", resp.StatusCode)
	}
	return nil
}
