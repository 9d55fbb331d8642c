// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package oidcsso implements the out-of-band OIDC authorization-code
// sub-flow behind the com.famedly.login.sso stage: per-provider relying
// party clients, the redirect and callback endpoints, and the one-shot
// login tokens handed back to the Matrix client.
package oidcsso

import (
	"fmt"
	"math"
	"time"
)

// DefaultTimeout applies when a provider has no timeout_ms configured.
const DefaultTimeout = 30 * time.Second

// LoginTokenTTL bounds how long a minted login token may remain unused.
const LoginTokenTTL = 30 * time.Minute

// authSessionTTL bounds how long an authorization-code round trip through
// the provider may take.
const authSessionTTL = 30 * time.Minute

// EndpointsConfig names the proxy-side HTTP endpoints of the flow.
type EndpointsConfig struct {
	Redirect string `json:"redirect"`
	Callback string `json:"callback"`
}

// ProviderConfig configures one OIDC provider.
type ProviderConfig struct {
	// Issuer enables autodiscovery of the provider metadata. When empty
	// the explicit endpoint URLs below are used instead.
	Issuer string `json:"issuer"`

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`

	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`

	// SubjectClaim is the claim holding the stable user identifier.
	// Default: sub
	SubjectClaim string `json:"subject_claim"`

	// NameClaim optionally holds the user's display name.
	NameClaim string `json:"name_claim"`

	// ExpectedClaims must all match exactly for a login to succeed.
	ExpectedClaims map[string]any `json:"expected_claims"`

	// Introspect verifies the access token against the provider's
	// introspection endpoint after the code exchange.
	Introspect bool `json:"introspect"`

	// Namespace prefixes the subject as "<namespace>/<subject>" in the
	// resulting username. nil leaves the raw subject.
	Namespace *string `json:"namespace"`

	// TimeoutMS bounds every HTTP call to this provider.
	// Default: 30000
	TimeoutMS *float64 `json:"timeout_ms"`
}

// Timeout returns the validated per-provider HTTP timeout.
func (c *ProviderConfig) Timeout() (time.Duration, error) {
	if c.TimeoutMS == nil {
		return DefaultTimeout, nil
	}
	ms := *c.TimeoutMS
	if ms <= 0 || ms != math.Trunc(ms) {
		return 0, fmt.Errorf("oidc: invalid timeout_ms %v", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Config is the com.famedly.login.sso stage configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers"`

	// Default is the provider used when the redirect endpoint is hit
	// without a provider path segment. It must exist in Providers.
	Default string `json:"default"`

	Endpoints EndpointsConfig `json:"endpoints"`

	// JSONRedirects responds 200 {location} instead of a 302, for
	// clients that follow redirects themselves.
	JSONRedirects bool `json:"json_redirects"`
}
