// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TAMSHAI_CONFIG_FILE", path)
}

const minimalConfig = `
keycloak:
  jwks_url: https://keycloak.test/realms/tamshai/protocol/openid-connect/certs
  issuer: https://keycloak.test/realms/tamshai
  audience: tamshai-gateway
servers:
  - name: finance
    base_url: http://finance:9000
    roles: [finance-read]
`

func TestLoadAppliesDefaults(t *testing.T) {
	writeConfig(t, minimalConfig)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "anthropic", cfg.LLM.Type)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, 10000, cfg.Filter.MaxQueryLength)
	assert.Equal(t, 2*time.Second, cfg.Revocation.RefreshInterval)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Tools.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Tools.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.TurnTimeout)

	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "finance", cfg.Servers[0].Name)
	assert.Equal(t, []string{"finance-read"}, cfg.Servers[0].Roles)
}

func TestLoadParsesFullConfig(t *testing.T) {
	writeConfig(t, `
listen_addr: ":9090"
keycloak:
  jwks_url: https://kc/certs
  issuer: https://kc/realms/x
  audience: gw
redis:
  url: redis://cache:6379/1
audit_database_url: postgres://audit:pw@db/audit
llm:
  model: claude-3-5-haiku-20241022
  max_tokens: 2048
servers:
  - name: finance
    base_url: http://finance:9000
    roles: [finance-read, finance-write]
  - name: hr
    base_url: http://hr:9000
    roles: [hr-read]
revocation:
  refresh_interval: 5s
  fail_closed: true
  stale_limit: 3
breaker:
  failure_threshold: 7
  cooldown: 45s
tools:
  read_timeout: 15s
  write_timeout: 60s
  overrides:
    finance/report: 2m
turn_timeout: 90s
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "postgres://audit:pw@db/audit", cfg.AuditDatabaseURL)
	assert.Equal(t, "claude-3-5-haiku-20241022", cfg.LLM.Model)
	assert.True(t, cfg.Revocation.FailClosed)
	assert.Equal(t, 3, cfg.Revocation.StaleLimit)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Tools.Overrides["finance/report"])
	assert.Equal(t, 90*time.Second, cfg.TurnTimeout)
	assert.Len(t, cfg.Servers, 2)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	writeConfig(t, minimalConfig)
	t.Setenv("TAMSHAI_LISTEN_ADDR", ":7070")
	t.Setenv("TAMSHAI_REDIS_URL", "redis://elsewhere:6379")
	t.Setenv("TAMSHAI_ISSUER", "https://other/realms/y")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "redis://elsewhere:6379", cfg.Redis.URL)
	assert.Equal(t, "https://other/realms/y", cfg.Keycloak.Issuer)
}

func TestLoadRejectsMissingKeycloak(t *testing.T) {
	writeConfig(t, `
servers:
  - name: finance
    base_url: http://finance:9000
`)
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateServers(t *testing.T) {
	writeConfig(t, minimalConfig+`
  - name: finance
    base_url: http://other:9000
`)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsServerWithoutBaseURL(t *testing.T) {
	writeConfig(t, `
keycloak:
  jwks_url: https://kc/certs
  issuer: https://kc/realms/x
servers:
  - name: finance
`)
	_, err := Load()
	assert.Error(t, err)
}
