// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package config loads gateway configuration from a YAML file with
// environment variable overrides. Configuration is read once at startup
// and treated as immutable afterwards; components receive the pieces
// they need by injection rather than reading ambient globals.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// Keycloak configures credential validation against the identity provider.
	Keycloak KeycloakConfig `yaml:"keycloak"`

	// Redis is the shared coordination store (revocations, confirmations).
	Redis RedisConfig `yaml:"redis"`

	// AuditDatabaseURL is the Postgres DSN for the audit trail.
	// Empty disables persistence (records still go to the structured log).
	AuditDatabaseURL string `yaml:"audit_database_url"`

	// LLM configures the model provider used by the orchestrator.
	LLM LLMConfig `yaml:"llm"`

	// Servers lists the downstream tool servers and the roles that may
	// reach them.
	Servers []ServerConfig `yaml:"servers"`

	// Filter configures the abuse filter.
	Filter FilterConfig `yaml:"filter"`

	// Revocation configures the revocation cache refresher.
	Revocation RevocationConfig `yaml:"revocation"`

	// Breaker configures the per-server circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`

	// Tools configures tool invocation timeouts.
	Tools ToolsConfig `yaml:"tools"`

	// TurnTimeout bounds one full streaming turn end to end.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// KeycloakConfig holds identity provider settings.
type KeycloakConfig struct {
	// JWKSURL is the realm certs endpoint used to fetch signing keys.
	JWKSURL string `yaml:"jwks_url"`

	// Issuer is the expected `iss` claim (realm URL).
	Issuer string `yaml:"issuer"`

	// Audience is the expected `aud` claim.
	Audience string `yaml:"audience"`
}

// RedisConfig holds shared store settings.
type RedisConfig struct {
	// URL in redis://host:port/db form.
	URL string `yaml:"url"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	// Type selects the provider implementation ("anthropic").
	Type string `yaml:"type"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env"`

	// Endpoint overrides the provider API endpoint.
	Endpoint string `yaml:"endpoint"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// MaxTokens limits response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`
}

// ServerConfig describes one downstream tool server.
type ServerConfig struct {
	// Name is the unique server identifier used in routes and audit records.
	Name string `yaml:"name"`

	// BaseURL is the server's base address.
	BaseURL string `yaml:"base_url"`

	// Roles lists the roles granting access to this server. A caller
	// needs any one of them; the "admin" role grants every server.
	Roles []string `yaml:"roles"`
}

// FilterConfig holds abuse filter settings.
type FilterConfig struct {
	// MaxQueryLength is the input length ceiling in runes.
	MaxQueryLength int `yaml:"max_query_length"`
}

// RevocationConfig holds revocation cache settings.
type RevocationConfig struct {
	// RefreshInterval is how often the revoked-token set is pulled from Redis.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// FailClosed rejects all requests when the cached set is stale beyond
	// StaleLimit refresh intervals. Default is fail-open: serve the
	// last-known set.
	FailClosed bool `yaml:"fail_closed"`

	// StaleLimit is the number of missed refreshes tolerated in
	// fail-closed mode.
	StaleLimit int `yaml:"stale_limit"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long a breaker stays open before a half-open trial.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ToolsConfig holds tool invocation timeout settings.
type ToolsConfig struct {
	// ReadTimeout applies to read operations.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout applies to write operations.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Overrides maps "server/tool" to a per-tool timeout, taking
	// precedence over the read/write category defaults.
	Overrides map[string]time.Duration `yaml:"overrides"`
}

// Default locations checked when TAMSHAI_CONFIG_FILE is not set.
var defaultConfigPaths = []string{
	"./gateway.yaml",
	"./config/gateway.yaml",
	"/etc/tamshai/gateway.yaml",
}

// Load reads configuration from the file named by TAMSHAI_CONFIG_FILE,
// falling back to default locations, then applies environment overrides
// and defaults.
func Load() (*Config, error) {
	path := os.Getenv("TAMSHAI_CONFIG_FILE")
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAMSHAI_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TAMSHAI_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("TAMSHAI_AUDIT_DATABASE_URL"); v != "" {
		c.AuditDatabaseURL = v
	}
	if v := os.Getenv("TAMSHAI_JWKS_URL"); v != "" {
		c.Keycloak.JWKSURL = v
	}
	if v := os.Getenv("TAMSHAI_ISSUER"); v != "" {
		c.Keycloak.Issuer = v
	}
	if v := os.Getenv("TAMSHAI_AUDIENCE"); v != "" {
		c.Keycloak.Audience = v
	}
}

// applyDefaults fills unset fields with production defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if c.LLM.Type == "" {
		c.LLM.Type = "anthropic"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-3-5-sonnet-20241022"
	}
	if c.Filter.MaxQueryLength == 0 {
		c.Filter.MaxQueryLength = 10000
	}
	if c.Revocation.RefreshInterval == 0 {
		c.Revocation.RefreshInterval = 2 * time.Second
	}
	if c.Revocation.StaleLimit == 0 {
		c.Revocation.StaleLimit = 10
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.Tools.ReadTimeout == 0 {
		c.Tools.ReadTimeout = 10 * time.Second
	}
	if c.Tools.WriteTimeout == 0 {
		c.Tools.WriteTimeout = 30 * time.Second
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 120 * time.Second
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Keycloak.JWKSURL == "" {
		return fmt.Errorf("keycloak.jwks_url is required")
	}
	if c.Keycloak.Issuer == "" {
		return fmt.Errorf("keycloak.issuer is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with empty name in config")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q in config", s.Name)
		}
		seen[s.Name] = true
		if s.BaseURL == "" {
			return fmt.Errorf("server %q has no base_url", s.Name)
		}
	}
	return nil
}
