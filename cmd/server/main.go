// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package main is the entry point of the UIA proxy.
//
// The proxy sits in front of a Matrix homeserver and performs
// User-Interactive Authentication on its behalf: flows composed of
// password (LDAP or static), OIDC single sign-on, CRM JWT, welcome
// message and dummy stages. Completed logins are exchanged upstream
// with a short-lived signed com.famedly.login.token.
//
// Startup order:
//
//  1. Configuration: defaults, then the YAML file from --config, then
//     UIA_* environment variables (Koanf v2)
//  2. Logging: zerolog console and file sinks
//  3. Username mapper: BadgerDB-backed localpart mapping
//  4. HTTP surface: stages, UIA handlers, OIDC providers, router
//
// The server shuts down gracefully on SIGINT and SIGTERM, draining
// in-flight requests for up to 10 seconds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/famedly/uia-proxy/internal/api"
	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logging.Init(cfg.Logging); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	logging.Info().
		Str("homeserver", cfg.Homeserver.URL).
		Str("domain", cfg.Homeserver.Domain).
		Int("endpoints", len(cfg.Endpoints())).
		Msg("Configuration loaded")

	store, err := openMapperStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open username mapper store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing mapper store")
		}
	}()

	m, err := mapper.New(cfg.UsernameMapper, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize username mapper")
	}

	srv, err := api.New(context.Background(), cfg, m)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize HTTP surface")
	}
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Webserver.Host, cfg.Webserver.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("Listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("Graceful shutdown failed")
	}
	logging.Info().Msg("Shutdown complete")
}

// openMapperStore opens the persistent store when a folder is
// configured; PLAIN-mode setups without a folder run in memory.
func openMapperStore(cfg *config.Config) (mapper.Store, error) {
	if cfg.UsernameMapper.Folder == "" {
		return mapper.NewMemoryStore(), nil
	}
	return mapper.OpenBadger(cfg.UsernameMapper.Folder)
}
