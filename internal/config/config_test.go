// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
webserver:
  host: 127.0.0.1
  port: 8080
session:
  timeout: 60000
usernameMapper:
  mode: HMAC-SHA256
  pepper: salt-and
  folder: /tmp/mapper
homeserver:
  domain: example.org
  url: https://synapse.example.org
  token:
    secret: s3cr3t
    algorithm: HS256
    expires: 120000
uia:
  login:
    rateLimit:
      window: 60000
      max: 10
    stages:
      m.login.password:
        passwordProviders:
          - type: dummy
            validPassword: secret
    flows:
      - stages: [m.login.password]
logging:
  console: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.Webserver.Host)
	require.Equal(t, 8080, cfg.Webserver.Port)
	require.Equal(t, time.Minute, cfg.Session.Duration())
	require.Equal(t, "HMAC-SHA256", cfg.UsernameMapper.Mode)
	require.Equal(t, "example.org", cfg.Homeserver.Domain)
	require.Equal(t, "HS256", cfg.Homeserver.Token.Algorithm)

	require.True(t, cfg.UIA.Login.Enabled())
	require.Equal(t, 10, cfg.UIA.Login.RateLimit.Max)
	require.Contains(t, cfg.UIA.Login.Stages, "m.login.password")
	require.Equal(t, []string{"m.login.password"}, cfg.UIA.Login.Flows[0].Stages)

	require.Len(t, cfg.Endpoints(), 1)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("UIA_HOMESERVER_URL", "https://other.example")
	t.Setenv("UIA_LOGGING_CONSOLE", "error")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, "https://other.example", cfg.Homeserver.URL)
	require.Equal(t, "error", cfg.Logging.Console)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_MissingHomeserver(t *testing.T) {
	yaml := `
uia:
  login:
    stages:
      m.login.dummy: {}
    flows:
      - stages: [m.login.dummy]
`
	_, err := Load(writeConfig(t, yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "homeserver.domain")
}

func TestValidate_FlowNamesUnconfiguredStage(t *testing.T) {
	bad := `
webserver: {host: 127.0.0.1, port: 8080}
homeserver:
  domain: example.org
  url: https://synapse.example.org
  token: {secret: s, algorithm: HS256}
uia:
  login:
    stages:
      m.login.password:
        passwordProviders: []
    flows:
      - stages: [m.login.sso]
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unconfigured stage")
}

func TestValidate_AliasSatisfiesFlowStage(t *testing.T) {
	yaml := `
webserver: {host: 127.0.0.1, port: 8080}
homeserver:
  domain: example.org
  url: https://synapse.example.org
  token: {secret: s, algorithm: HS256}
uia:
  login:
    stages:
      m.login.dummy: {}
    stageAliases:
      m.login.password: m.login.dummy
    flows:
      - stages: [m.login.password]
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints(), 1)
}

func TestEnvTransform(t *testing.T) {
	tests := map[string]string{
		"UIA_HOMESERVER_URL":          "homeserver.url",
		"UIA_USERNAMEMAPPER_PEPPER":   "usernameMapper.pepper",
		"UIA_LOGGING_LINEDATEFORMAT":  "logging.lineDateFormat",
		"UIA_WEBSERVER_PUBLICBASEURL": "webserver.publicBaseUrl",
	}
	for in, want := range tests {
		require.Equal(t, want, envTransform(in), in)
	}
}
