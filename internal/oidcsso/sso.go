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
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/famedly/uia-proxy/internal/cache"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
)

// AuthSession tracks one authorization-code round trip, keyed by the
// state parameter sent to the provider.
type AuthSession struct {
	ID          string
	ProviderID  string
	RedirectURL string
	UIASession  string
}

// LoginResult is what a consumed login token resolves to.
type LoginResult struct {
	Username    string
	Displayname string
}

// SSO coordinates the configured OIDC providers, the redirect and
// callback endpoints, and login-token verification. It is injected into
// the com.famedly.login.sso stage rather than held globally.
type SSO struct {
	cfg          Config
	providers    map[string]*Provider
	authSessions *cache.TimedCache[string, *AuthSession]
}

// New prepares all configured providers. A missing or unknown default
// provider is a configuration error.
func New(ctx context.Context, cfg Config, publicBaseURL string) (*SSO, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("oidc: no providers configured")
	}
	if _, ok := cfg.Providers[cfg.Default]; !ok {
		return nil, fmt.Errorf("oidc: default provider %q does not exist", cfg.Default)
	}

	redirectURI := strings.TrimSuffix(publicBaseURL, "/") + cfg.Endpoints.Callback

	s := &SSO{
		cfg:          cfg,
		providers:    make(map[string]*Provider, len(cfg.Providers)),
		authSessions: cache.NewTimed[string, *AuthSession](authSessionTTL, cache.DefaultSweepInterval),
	}
	for id, pc := range cfg.Providers {
		p, err := newProvider(ctx, id, pc, redirectURI)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.providers[id] = p
	}
	return s, nil
}

// Mount registers the redirect and callback endpoints on the router.
func (s *SSO) Mount(r chi.Router) {
	r.Get(s.cfg.Endpoints.Redirect, s.HandleRedirect)
	r.Get(s.cfg.Endpoints.Redirect+"/{provider}", s.HandleRedirect)
	r.Get(s.cfg.Endpoints.Callback, s.HandleCallback)
}

// HandleRedirect starts the authorization-code flow: it stores an
// AuthSession under a fresh state value and sends the client to the
// provider's authorization URL.
func (s *SSO) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if providerID == "" {
		providerID = s.cfg.Default
	}
	p, ok := s.providers[providerID]
	if !ok {
		matrix.RespondError(w, http.StatusNotFound,
			matrix.NewError(matrix.ErrCodeNotFound, "Unknown provider"))
		return
	}

	query := r.URL.Query()
	redirectURL := lastValue(query, "redirectUrl")
	if redirectURL == "" {
		matrix.RespondError(w, http.StatusBadRequest,
			matrix.NewError(matrix.ErrCodeUnrecognized, "Missing redirectUrl"))
		return
	}

	state := uuid.NewString()
	s.authSessions.Set(state, &AuthSession{
		ID:          state,
		ProviderID:  providerID,
		RedirectURL: redirectURL,
		UIASession:  lastValue(query, "uiaSession"),
	})

	s.respondRedirect(w, p.AuthURL(state))
}

// HandleCallback finishes the flow: code exchange, claim checks,
// optional introspection, then a one-shot login token appended to the
// caller's redirectUrl.
func (s *SSO) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Repeated state parameters resolve to the last value.
	state := lastValue(query, "state")
	if state == "" {
		matrix.RespondError(w, http.StatusBadRequest,
			matrix.NewError(matrix.ErrCodeUnrecognized, "Missing state"))
		return
	}
	authSession, ok := s.authSessions.Get(state)
	if !ok {
		matrix.RespondError(w, http.StatusBadRequest,
			matrix.NewError(matrix.ErrCodeUnrecognized, "Unknown or expired state"))
		return
	}
	p := s.providers[authSession.ProviderID]

	claims, accessToken, err := p.Exchange(r.Context(), lastValue(query, "code"))
	if err != nil {
		logging.Err(err).Str("provider", p.id).Msg("code exchange failed")
		matrix.RespondError(w, http.StatusUnauthorized,
			matrix.NewError(matrix.ErrCodeForbidden, "Token exchange failed"))
		return
	}

	subject, ok := claims[p.cfg.SubjectClaim].(string)
	if !ok || subject == "" {
		matrix.RespondError(w, http.StatusUnauthorized,
			matrix.NewError(matrix.ErrCodeForbidden, "Subject claim missing or not a string"))
		return
	}
	var displayname string
	if p.cfg.NameClaim != "" {
		if v, present := claims[p.cfg.NameClaim]; present {
			name, isString := v.(string)
			if !isString {
				matrix.RespondError(w, http.StatusUnauthorized,
					matrix.NewError(matrix.ErrCodeForbidden, "Name claim is not a string"))
				return
			}
			displayname = name
		}
	}
	for claim, want := range p.cfg.ExpectedClaims {
		if !reflect.DeepEqual(claims[claim], want) {
			logging.Warn().Str("provider", p.id).Str("claim", claim).Msg("expected claim mismatch")
			matrix.RespondError(w, http.StatusUnauthorized,
				matrix.NewError(matrix.ErrCodeForbidden, "Claim requirements not met"))
			return
		}
	}

	if p.cfg.Introspect {
		active, err := p.IntrospectActive(r.Context(), accessToken)
		if err != nil {
			logging.Err(err).Str("provider", p.id).Msg("introspection failed")
			matrix.RespondError(w, http.StatusUnauthorized,
				matrix.NewError(matrix.ErrCodeForbidden, "Introspection failed"))
			return
		}
		if !active {
			matrix.RespondError(w, http.StatusUnauthorized,
				matrix.NewError(matrix.ErrCodeTokenInactive, "Token is not active"))
			return
		}
	}

	token := p.id + "|" + uuid.NewString()
	p.loginTokens.Set(token, LoginToken{
		Token:       token,
		User:        subject,
		Displayname: displayname,
		UIASession:  authSession.UIASession,
	})
	s.authSessions.Delete(state)

	s.respondRedirect(w, appendQuery(authSession.RedirectURL, "loginToken", token))
}

// VerifyLoginToken consumes a login token. The token is deleted whether
// or not the UIA session pin matches its issuer's; a token is valid for
// exactly one attempt.
func (s *SSO) VerifyLoginToken(token, uiaSession string) (*LoginResult, bool) {
	idx := strings.IndexByte(token, '|')
	if idx < 0 {
		return nil, false
	}
	p, ok := s.providers[token[:idx]]
	if !ok {
		return nil, false
	}
	// Atomic take: two concurrent attempts on the same token must not
	// both observe it before either deletes it.
	lt, ok := p.loginTokens.Take(token)
	if !ok {
		return nil, false
	}

	if lt.UIASession != "" && lt.UIASession != uiaSession {
		return nil, false
	}

	username := lt.User
	if ns := p.Namespace(); ns != nil {
		username = *ns + "/" + lt.User
	}
	return &LoginResult{Username: username, Displayname: lt.Displayname}, true
}

// Close releases every provider's token table and the state table.
func (s *SSO) Close() {
	for _, p := range s.providers {
		p.close()
	}
	s.authSessions.Close()
}

func (s *SSO) respondRedirect(w http.ResponseWriter, location string) {
	if s.cfg.JSONRedirects {
		matrix.RespondJSON(w, http.StatusOK, map[string]string{"location": location})
		return
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// lastValue returns the last value of a possibly repeated query
// parameter.
func lastValue(query url.Values, key string) string {
	values := query[key]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// appendQuery attaches key=value to a URL, keeping existing parameters.
func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + key + "=" + url.QueryEscape(value)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
