// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 3600*time.Second, cfg.SessionTTL)
	assert.Equal(t, 10, cfg.AuditWorkers)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_TTL_SECONDS", "120")
	t.Setenv("AUDIT_WORKERS", "4")

	cfg := Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 120*time.Second, cfg.SessionTTL)
	assert.Equal(t, 4, cfg.AuditWorkers)
}

func TestParseIntInvalidFallsBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"empty redis url", func(c *Config) { c.RedisURL = "" }},
		{"ttl below one second", func(c *Config) { c.SessionTTL = 0 }},
		{"no workers", func(c *Config) { c.AuditWorkers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAuditBackendSelection(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://user@host/db"}
	assert.Equal(t, "postgres", cfg.AuditBackend())

	cfg.DatabaseURL = "postgresql://user@host/db"
	assert.Equal(t, "postgres", cfg.AuditBackend())

	cfg.DatabaseURL = "/var/lib/turnsync/audit.db"
	assert.Equal(t, "sqlite", cfg.AuditBackend())
}
