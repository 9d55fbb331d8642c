// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package config loads and validates the proxy configuration with
// layered sources: built-in defaults, a YAML file, then UIA_*
// environment variables.
package config

import (
	"time"

	"github.com/famedly/uia-proxy/internal/homeserver"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/uia"
)

// WebserverConfig is the listen address and public-facing base URL.
type WebserverConfig struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"gte=1,lte=65535"`

	// PublicBaseURL is what OIDC providers redirect back to; it prefixes
	// the configured callback endpoint. Defaults to http://host:port.
	PublicBaseURL string `koanf:"publicBaseUrl"`

	// CORSOrigins lists the allowed cross-origin hosts.
	CORSOrigins []string `koanf:"corsOrigins"`
}

// SessionConfig holds UIA session settings.
type SessionConfig struct {
	// Timeout is the session TTL in milliseconds.
	Timeout int64 `koanf:"timeout" validate:"gte=0"`
}

// Duration returns the session TTL, falling back to the default when
// unset.
func (c SessionConfig) Duration() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// RateLimitConfig is a per-endpoint token bucket over the remote
// address.
type RateLimitConfig struct {
	// Window is the bucket window in milliseconds.
	Window int64 `koanf:"window" validate:"gte=0"`

	// Max is the number of requests allowed per window. 0 disables the
	// limiter.
	Max int `koanf:"max" validate:"gte=0"`
}

// Duration returns the rate-limit window.
func (c RateLimitConfig) Duration() time.Duration {
	if c.Window <= 0 {
		return time.Minute
	}
	return time.Duration(c.Window) * time.Millisecond
}

// EndpointConfig configures UIA for one proxied endpoint.
type EndpointConfig struct {
	RateLimit RateLimitConfig `koanf:"rateLimit"`

	// Stages maps stage types to their opaque per-stage configuration,
	// decoded inside the stage implementations.
	Stages map[string]map[string]any `koanf:"stages"`

	Flows []uia.Flow `koanf:"flows"`

	// StageAliases translates flow-level stage names to configured stage
	// types during resolution.
	StageAliases map[string]string `koanf:"stageAliases"`
}

// Enabled reports whether the endpoint has any flow configured.
func (c EndpointConfig) Enabled() bool {
	return len(c.Flows) > 0
}

// UIAConfig carries the per-endpoint UIA sections.
type UIAConfig struct {
	Login                   EndpointConfig `koanf:"login"`
	Password                EndpointConfig `koanf:"password"`
	DeleteDevice            EndpointConfig `koanf:"deleteDevice"`
	DeleteDevices           EndpointConfig `koanf:"deleteDevices"`
	UploadDeviceSigningKeys EndpointConfig `koanf:"uploadDeviceSigningKeys"`
}

// Config is the full proxy configuration.
type Config struct {
	Webserver      WebserverConfig   `koanf:"webserver"`
	Session        SessionConfig     `koanf:"session"`
	UsernameMapper mapper.Config     `koanf:"usernameMapper"`
	Homeserver     homeserver.Config `koanf:"homeserver"`
	UIA            UIAConfig         `koanf:"uia"`
	Logging        logging.Config    `koanf:"logging"`
}

// defaultConfig returns the built-in defaults, applied before the config
// file and environment overrides.
func defaultConfig() *Config {
	return &Config{
		Webserver: WebserverConfig{
			Host: "0.0.0.0",
			Port: 9740,
		},
		Session: SessionConfig{
			Timeout: (30 * time.Minute).Milliseconds(),
		},
		UsernameMapper: mapper.Config{
			Mode: mapper.ModePlain,
		},
		Logging: logging.Config{
			Console: "info",
		},
	}
}
