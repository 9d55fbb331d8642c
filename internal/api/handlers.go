// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/metrics"
	"github.com/famedly/uia-proxy/internal/uia"
)

// handleLogin completes a login: it mints a com.famedly.login.token JWT
// for the authenticated user and swaps it at the homeserver for the real
// access token, returning the upstream response verbatim.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, ok := uia.SessionFromContext(r.Context())
	if !ok || sess.Data.Username == "" {
		matrix.RespondError(w, http.StatusForbidden,
			matrix.NewError(matrix.ErrCodeForbidden, "No authenticated user in session"))
		return
	}

	signed, err := s.minter.Mint(sess.Data.Username, sess.Data.Admin, sess.Data.Displayname)
	if err != nil {
		logging.Err(err).Msg("minting login token failed")
		matrix.RespondError(w, http.StatusInternalServerError,
			matrix.NewError(matrix.ErrCodeUnknown, "Internal server error"))
		return
	}

	body, _ := uia.BodyFromContext(r.Context())
	loginBody := map[string]any{
		"type": "com.famedly.login.token",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": sess.Data.Username,
		},
		"token": signed,
	}
	for _, key := range []string{"device_id", "initial_device_display_name"} {
		if v, ok := body[key]; ok {
			loginBody[key] = v
		}
	}

	resp, err := s.hs.Login(r.Context(), loginBody)
	if err != nil {
		metrics.HomeserverRequests.WithLabelValues("login", "error").Inc()
		logging.Err(err).Msg("upstream login failed")
		matrix.RespondError(w, http.StatusInternalServerError, matrix.ErrBackendUnreachable)
		return
	}
	metrics.HomeserverRequests.WithLabelValues("login", "ok").Inc()

	if resp.StatusCode == http.StatusOK && sess.Data.Displayname != "" {
		s.setDisplayname(resp.Body, sess.Data.Displayname)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	//nolint:errcheck
	w.Write(resp.Body)
}

// setDisplayname pushes the provider-supplied displayname to the user's
// profile with the freshly issued token. Best effort: profile failures
// never fail the login.
func (s *Server) setDisplayname(loginResponse []byte, displayname string) {
	var creds struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(loginResponse, &creds); err != nil ||
		creds.UserID == "" || creds.AccessToken == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.hs.SetDisplayname(ctx, creds.UserID, creds.AccessToken, displayname); err != nil {
			logging.Warn().Err(err).Str("user", creds.UserID).Msg("setting displayname failed")
		}
	}()
}

// handlePassword changes the user's password on the backend that
// authenticated them.
func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := uia.SessionFromContext(r.Context())
	if !ok || sess.Data.Username == "" {
		matrix.RespondError(w, http.StatusForbidden,
			matrix.NewError(matrix.ErrCodeForbidden, "No authenticated user in session"))
		return
	}

	body, _ := uia.BodyFromContext(r.Context())
	newPassword, _ := body["new_password"].(string)
	if newPassword == "" {
		matrix.RespondError(w, http.StatusBadRequest,
			matrix.NewError(matrix.ErrCodeBadJSON, "Missing new_password"))
		return
	}

	changers := s.changers["password"]
	if len(changers) == 0 {
		matrix.RespondError(w, http.StatusBadRequest,
			matrix.NewError(matrix.ErrCodeUnknown, "No password backend supports changing passwords"))
		return
	}

	for _, changer := range changers {
		changed, err := changer.ChangePassword(r.Context(), sess.Data.Username, sess.Data.Password, newPassword)
		if err != nil {
			logging.Err(err).Msg("password change errored")
			continue
		}
		if changed {
			matrix.RespondJSON(w, http.StatusOK, map[string]any{})
			return
		}
	}
	matrix.RespondError(w, http.StatusBadRequest,
		matrix.NewError(matrix.ErrCodeUnknown, "Password change failed"))
}

// handleProxy forwards device-management requests to the homeserver,
// injecting the completed UIA as a com.famedly.login.token auth dict so
// the upstream's own UIA accepts it.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	sess, ok := uia.SessionFromContext(r.Context())
	if !ok || sess.Data.Username == "" {
		matrix.RespondError(w, http.StatusForbidden,
			matrix.NewError(matrix.ErrCodeForbidden, "No authenticated user in session"))
		return
	}
	accessToken, _ := accessTokenFromContext(r.Context())
	userID, _ := authenticatedUserFromContext(r.Context())

	signed, err := s.minter.Mint(sess.Data.Username, sess.Data.Admin, sess.Data.Displayname)
	if err != nil {
		logging.Err(err).Msg("minting proxy token failed")
		matrix.RespondError(w, http.StatusInternalServerError,
			matrix.NewError(matrix.ErrCodeUnknown, "Internal server error"))
		return
	}

	body, _ := uia.BodyFromContext(r.Context())
	forwarded := make(map[string]any, len(body)+1)
	for k, v := range body {
		forwarded[k] = v
	}
	forwarded["auth"] = map[string]any{
		"type": "com.famedly.login.token",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": sess.Data.Username,
		},
		"user":  userID,
		"token": signed,
	}

	payload, err := json.Marshal(forwarded)
	if err != nil {
		matrix.RespondError(w, http.StatusInternalServerError,
			matrix.NewError(matrix.ErrCodeUnknown, "Internal server error"))
		return
	}

	resp, err := s.hs.Proxy(r.Context(), r.Method, r.URL.Path, payload, accessToken)
	if err != nil {
		metrics.HomeserverRequests.WithLabelValues("proxy", "error").Inc()
		logging.Err(err).Str("path", r.URL.Path).Msg("proxying to homeserver failed")
		matrix.RespondError(w, http.StatusInternalServerError, matrix.ErrBackendUnreachable)
		return
	}
	metrics.HomeserverRequests.WithLabelValues("proxy", "ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	//nolint:errcheck
	w.Write(resp.Body)
}
