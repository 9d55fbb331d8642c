// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package api is the HTTP surface of the proxy: the UIA-guarded Matrix
// endpoints, the OIDC redirect/callback endpoints, and the operational
// /health and /metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/homeserver"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/oidcsso"
	"github.com/famedly/uia-proxy/internal/provider"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
	"github.com/famedly/uia-proxy/internal/token"
	"github.com/famedly/uia-proxy/internal/uia"
)

// endpointRoutes maps each UIA endpoint to its Matrix paths. Every path
// is registered for both the r0 and v3 API versions.
var endpointRoutes = map[string]struct {
	method string
	path   string
}{
	"login":                   {http.MethodPost, "/login"},
	"password":                {http.MethodPost, "/account/password"},
	"deleteDevice":            {http.MethodDelete, "/devices/{deviceID}"},
	"deleteDevices":           {http.MethodPost, "/delete_devices"},
	"uploadDeviceSigningKeys": {http.MethodPost, "/keys/device_signing/upload"},
}

// endpointsRequiringAuth are proxied on behalf of an already
// authenticated user and verify the access token upstream first.
var endpointsRequiringAuth = map[string]bool{
	"password":                true,
	"deleteDevice":            true,
	"deleteDevices":           true,
	"uploadDeviceSigningKeys": true,
}

// Server owns the router and everything the handlers need.
type Server struct {
	cfg      *config.Config
	hs       *homeserver.Client
	minter   *token.Minter
	store    *session.Store
	sso      *oidcsso.SSO
	handlers map[string]*uia.Handler
	changers map[string][]provider.Changer
	router   chi.Router
}

// New wires the full HTTP surface from the configuration. The mapper is
// shared with the LDAP providers built from the stage configs.
func New(ctx context.Context, cfg *config.Config, m *mapper.Mapper) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		hs:       homeserver.New(cfg.Homeserver),
		store:    session.NewStore(cfg.Session.Duration()),
		handlers: make(map[string]*uia.Handler),
		changers: make(map[string][]provider.Changer),
	}

	minter, err := token.New(cfg.Homeserver.Token)
	if err != nil {
		return nil, err
	}
	s.minter = minter

	if err := s.buildSSO(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.buildEndpoints(cfg, m); err != nil {
		return nil, err
	}

	s.router = s.buildRouter(cfg)
	return s, nil
}

// buildSSO constructs the OIDC coordinator from the first endpoint that
// configures the SSO stage. The coordinator is process-wide; every SSO
// stage instance shares it.
func (s *Server) buildSSO(ctx context.Context, cfg *config.Config) error {
	for endpoint, ec := range cfg.Endpoints() {
		raw, ok := ec.Stages[stages.TypeSSO]
		if !ok {
			continue
		}
		var ssoCfg oidcsso.Config
		if err := decodeStageConfig(raw, &ssoCfg); err != nil {
			return fmt.Errorf("api: uia.%s sso config: %w", endpoint, err)
		}
		sso, err := oidcsso.New(ctx, ssoCfg, s.publicBaseURL(cfg))
		if err != nil {
			return err
		}
		s.sso = sso
		return nil
	}
	return nil
}

// buildEndpoints constructs the stage sets and UIA handlers for every
// configured endpoint.
func (s *Server) buildEndpoints(cfg *config.Config, m *mapper.Mapper) error {
	for endpoint, ec := range cfg.Endpoints() {
		stageSet := make(map[string]stages.Stage, len(ec.Stages))
		for stageType, raw := range ec.Stages {
			deps := stages.Deps{
				HomeserverDomain: cfg.Homeserver.Domain,
				SSO:              s.sso,
			}
			if stageType == stages.TypePassword {
				providers, changers, err := BuildPasswordProviders(raw, m)
				if err != nil {
					return fmt.Errorf("api: uia.%s: %w", endpoint, err)
				}
				deps.Providers = providers
				s.changers[endpoint] = changers
			}
			stage, err := stages.New(stageType, raw, deps)
			if err != nil {
				return fmt.Errorf("api: uia.%s: %w", endpoint, err)
			}
			stageSet[stageType] = stage
		}
		s.handlers[endpoint] = uia.NewHandler(endpoint, ec.Flows, stageSet, ec.StageAliases, s.store)
	}
	return nil
}

func (s *Server) publicBaseURL(cfg *config.Config) string {
	if cfg.Webserver.PublicBaseURL != "" {
		return cfg.Webserver.PublicBaseURL
	}
	return fmt.Sprintf("http://%s:%d", cfg.Webserver.Host, cfg.Webserver.Port)
}

// buildRouter assembles the chi router with the shared middleware and
// per-endpoint chains.
func (s *Server) buildRouter(cfg *config.Config) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)

	if len(cfg.Webserver.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Webserver.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         86400,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.sso != nil {
		s.sso.Mount(r)
	}

	for endpoint, handler := range s.handlers {
		route, ok := endpointRoutes[endpoint]
		if !ok {
			continue
		}
		ec := s.cfg.Endpoints()[endpoint]

		chain := chi.Chain(
			metricsMiddleware(endpoint),
			rateLimitMiddleware(endpoint, ec.RateLimit.Max, ec.RateLimit.Duration()),
			jsonBodyMiddleware,
			accessTokenMiddleware,
		)
		if endpointsRequiringAuth[endpoint] {
			chain = append(chain, s.whoamiMiddleware)
		}
		chain = append(chain, handler.Middleware)

		final := chain.Handler(s.apiHandler(endpoint))
		for _, version := range []string{"r0", "v3"} {
			r.Method(route.method, "/_matrix/client/"+version+route.path, final)
		}
	}
	return r
}

// apiHandler selects the endpoint's terminal handler, reached only once
// UIA is complete.
func (s *Server) apiHandler(endpoint string) http.Handler {
	switch endpoint {
	case "login":
		return http.HandlerFunc(s.handleLogin)
	case "password":
		return http.HandlerFunc(s.handlePassword)
	default:
		return http.HandlerFunc(s.handleProxy)
	}
}

// Router returns the assembled handler.
func (s *Server) Router() http.Handler { return s.router }

// Close releases the session store and the OIDC coordinator.
func (s *Server) Close() {
	s.store.Close()
	if s.sso != nil {
		s.sso.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	matrix.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
