// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package oidcsso

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"

	"github.com/famedly/uia-proxy/internal/cache"
)

// LoginToken is a one-shot token minted after a successful callback and
// consumed by the com.famedly.login.sso stage.
type LoginToken struct {
	Token       string
	User        string
	Displayname string

	// UIASession pins the token to the UIA session that initiated the
	// flow; empty means unpinned.
	UIASession string
}

// Provider is one configured OIDC provider with its prepared client and
// its own table of outstanding login tokens.
type Provider struct {
	id      string
	cfg     ProviderConfig
	timeout time.Duration

	// relyingParty is set in autodiscovery mode.
	relyingParty rp.RelyingParty

	// resourceServer performs introspection in autodiscovery mode.
	resourceServer rs.ResourceServer

	// oauth is set when explicit endpoint URLs are configured.
	oauth      *oauth2.Config
	httpClient *http.Client

	loginTokens *cache.TimedCache[string, LoginToken]
}

// newProvider prepares the provider client. Autodiscovery fetches the
// issuer metadata once at startup; explicit mode builds the endpoints
// from configuration.
func newProvider(ctx context.Context, id string, cfg ProviderConfig, redirectURI string) (*Provider, error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	p := &Provider{
		id:          id,
		cfg:         cfg,
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
		loginTokens: cache.NewTimed[string, LoginToken](LoginTokenTTL, cache.DefaultSweepInterval),
	}

	if cfg.Issuer != "" {
		initCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		relyingParty, err := rp.NewRelyingPartyOIDC(initCtx,
			cfg.Issuer, cfg.ClientID, cfg.ClientSecret, redirectURI, scopes,
			rp.WithHTTPClient(p.httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("provider %s: discovery: %w", id, err)
		}
		p.relyingParty = relyingParty

		if cfg.Introspect {
			resourceServer, err := rs.NewResourceServerClientCredentials(initCtx,
				cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
			if err != nil {
				return nil, fmt.Errorf("provider %s: introspection client: %w", id, err)
			}
			p.resourceServer = resourceServer
		}
		return p, nil
	}

	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("provider %s: either issuer or explicit endpoints required", id)
	}
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
	return p, nil
}

// ID returns the provider's configuration key.
func (p *Provider) ID() string { return p.id }

// Namespace returns the configured login-token namespace, or nil.
func (p *Provider) Namespace() *string { return p.cfg.Namespace }

// AuthURL builds the provider's authorization URL for the given state.
func (p *Provider) AuthURL(state string) string {
	if p.relyingParty != nil {
		return rp.AuthURL(state, p.relyingParty)
	}
	return p.oauth.AuthCodeURL(state)
}

// Exchange swaps the authorization code for tokens and returns the claim
// set and the access token. In autodiscovery mode the ID token signature
// is verified by the relying party; in explicit mode the claims come from
// the userinfo endpoint when configured, otherwise from the ID token
// received directly from the token endpoint.
func (p *Provider) Exchange(ctx context.Context, code string) (map[string]any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.relyingParty != nil {
		tokens, err := rp.CodeExchange[*oidc.IDTokenClaims](ctx, code, p.relyingParty)
		if err != nil {
			return nil, "", fmt.Errorf("provider %s: code exchange: %w", p.id, err)
		}
		claims := make(map[string]any, len(tokens.IDTokenClaims.Claims)+2)
		for k, v := range tokens.IDTokenClaims.Claims {
			claims[k] = v
		}
		// The typed fields are authoritative for the standard claims.
		claims["sub"] = tokens.IDTokenClaims.Subject
		if tokens.IDTokenClaims.Name != "" {
			claims["name"] = tokens.IDTokenClaims.Name
		}
		return claims, tokens.AccessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: code exchange: %w", p.id, err)
	}

	if p.cfg.UserinfoEndpoint != "" {
		claims, err := p.fetchUserinfo(ctx, tok.AccessToken)
		if err != nil {
			return nil, "", err
		}
		return claims, tok.AccessToken, nil
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, "", fmt.Errorf("provider %s: token response carries no id_token", p.id)
	}
	// The token came straight from the provider over the TLS-protected
	// token endpoint, so the transport authenticates it.
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, &claims); err != nil {
		return nil, "", fmt.Errorf("provider %s: parse id_token: %w", p.id, err)
	}
	return claims, tok.AccessToken, nil
}

// fetchUserinfo retrieves the claim set from the userinfo endpoint.
func (p *Provider) fetchUserinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: userinfo: %w", p.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: userinfo returned %d", p.id, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("provider %s: decode userinfo: %w", p.id, err)
	}
	return claims, nil
}

// IntrospectActive asks the provider whether the access token is active.
func (p *Provider) IntrospectActive(ctx context.Context, accessToken string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.resourceServer != nil {
		resp, err := rs.Introspect[*oidc.IntrospectionResponse](ctx, p.resourceServer, accessToken)
		if err != nil {
			return false, fmt.Errorf("provider %s: introspect: %w", p.id, err)
		}
		return resp.Active, nil
	}

	if p.cfg.IntrospectionEndpoint == "" {
		return false, fmt.Errorf("provider %s: introspection enabled without endpoint", p.id)
	}
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("provider %s: introspect: %w", p.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("provider %s: introspection returned %d", p.id, resp.StatusCode)
	}

	var result struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("provider %s: decode introspection: %w", p.id, err)
	}
	return result.Active, nil
}

// close stops the provider's login-token sweep.
func (p *Provider) close() {
	p.loginTokens.Close()
}
