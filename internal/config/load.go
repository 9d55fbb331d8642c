// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces the environment variable overrides.
const EnvPrefix = "UIA_"

// envSegments restores the camelCase of config keys that environment
// variable names flatten to lowercase.
var envSegments = map[string]string{
	"usernamemapper":          "usernameMapper",
	"binarypid":               "binaryPid",
	"ratelimit":               "rateLimit",
	"stagealiases":            "stageAliases",
	"deletedevice":            "deleteDevice",
	"deletedevices":           "deleteDevices",
	"uploaddevicesigningkeys": "uploadDeviceSigningKeys",
	"linedateformat":          "lineDateFormat",
	"publicbaseurl":           "publicBaseUrl",
	"corsorigins":             "corsOrigins",
}

// envTransform maps UIA_HOMESERVER_URL to homeserver.url.
func envTransform(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if fixed, ok := envSegments[p]; ok {
			parts[i] = fixed
		}
	}
	return strings.Join(parts, ".")
}

// Load reads the configuration with layered precedence: environment
// variables over the YAML file at path over built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field requirements the
// struct tags cannot express. Configuration errors are fatal at startup.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Homeserver.Domain == "" {
		return fmt.Errorf("config: homeserver.domain is required")
	}
	if c.Homeserver.URL == "" {
		return fmt.Errorf("config: homeserver.url is required")
	}
	if c.Homeserver.Token.Algorithm == "" {
		return fmt.Errorf("config: homeserver.token.algorithm is required")
	}

	if !c.UIA.Login.Enabled() {
		return fmt.Errorf("config: uia.login must configure at least one flow")
	}

	for endpoint, ec := range c.Endpoints() {
		for _, f := range ec.Flows {
			if len(f.Stages) == 0 {
				return fmt.Errorf("config: uia.%s has an empty flow", endpoint)
			}
			for _, stageType := range f.Stages {
				resolved := stageType
				if target, ok := ec.StageAliases[stageType]; ok {
					resolved = target
				}
				if _, configured := ec.Stages[resolved]; !configured {
					return fmt.Errorf("config: uia.%s flow names unconfigured stage %q", endpoint, stageType)
				}
			}
		}
	}
	return nil
}

// Endpoints returns the per-endpoint sections that have flows
// configured, keyed by endpoint name.
func (c *Config) Endpoints() map[string]EndpointConfig {
	all := map[string]EndpointConfig{
		"login":                   c.UIA.Login,
		"password":                c.UIA.Password,
		"deleteDevice":            c.UIA.DeleteDevice,
		"deleteDevices":           c.UIA.DeleteDevices,
		"uploadDeviceSigningKeys": c.UIA.UploadDeviceSigningKeys,
	}
	enabled := make(map[string]EndpointConfig)
	for name, ec := range all {
		if ec.Enabled() {
			enabled[name] = ec
		}
	}
	return enabled
}
