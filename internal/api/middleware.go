// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"github.com/famedly/uia-proxy/internal/homeserver"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/metrics"
	"github.com/famedly/uia-proxy/internal/uia"
)

type contextKey int

const (
	accessTokenKey contextKey = iota
	authenticatedUserKey
)

// maxBodySize caps request bodies; UIA payloads are small.
const maxBodySize = 1 << 20

// requestLogger emits one debug line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// metricsMiddleware records request counts and latency per endpoint.
func metricsMiddleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			metrics.HTTPRequestsTotal.
				WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
			metrics.HTTPRequestDuration.
				WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		})
	}
}

// rateLimitMiddleware applies a per-remote-address token bucket. A zero
// max disables limiting for the endpoint.
func rateLimitMiddleware(endpoint string, max int, window time.Duration) func(http.Handler) http.Handler {
	if max == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		max,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			matrix.RespondError(w, http.StatusTooManyRequests, matrix.ErrLimitExceeded)
		}),
	)
}

// jsonBodyMiddleware parses the request body. Mutating methods must
// carry valid JSON; an empty body counts as an empty object so a bare
// POST starts a UIA session.
func jsonBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			matrix.RespondError(w, http.StatusBadRequest, matrix.ErrNotJSON)
			return
		}

		body := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				matrix.RespondError(w, http.StatusBadRequest, matrix.ErrNotJSON)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(uia.ContextWithBody(r.Context(), body)))
	})
}

// accessTokenMiddleware extracts the client's access token from the
// Authorization header or the access_token query parameter.
func accessTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else {
			token = r.URL.Query().Get("access_token")
		}
		if token != "" {
			r = r.WithContext(context.WithValue(r.Context(), accessTokenKey, token))
		}
		next.ServeHTTP(w, r)
	})
}

// whoamiMiddleware verifies the access token against the homeserver for
// endpoints that operate on an existing account.
func (s *Server) whoamiMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := accessTokenFromContext(r.Context())
		if !ok {
			matrix.RespondError(w, http.StatusForbidden, matrix.ErrMissingToken)
			return
		}

		userID, err := s.hs.WhoAmI(r.Context(), token)
		if err != nil {
			if errors.Is(err, homeserver.ErrUnknownToken) {
				matrix.RespondError(w, http.StatusForbidden, matrix.ErrUnknownToken)
				return
			}
			logging.Err(err).Msg("whoami failed")
			matrix.RespondError(w, http.StatusInternalServerError, matrix.ErrBackendUnreachable)
			return
		}

		ctx := context.WithValue(r.Context(), authenticatedUserKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenKey).(string)
	return token, ok
}

func authenticatedUserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(authenticatedUserKey).(string)
	return user, ok
}
