// SPDX-License-Identifier: MIT

// Package config loads service configuration from the environment.
// Precedence: environment > optional .env file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the full runtime configuration of a turnsync instance.
type Config struct {
	Port     int    // HTTP listen port
	LogLevel string // zerolog level string

	RedisURL      string // primary state store endpoint (redis://...)
	RedisPoolSize int    // go-redis connection pool bound

	DatabaseURL string // audit store endpoint (postgres://... or sqlite file path)
	DBMaxConns  int    // audit store pool bound

	SessionTTL time.Duration // liveness TTL for session records, refreshed on write

	AuditWorkers   int // audit queue worker concurrency
	AuditHighWater int // in-flight depth beyond which low-priority writes shed

	HeartbeatInterval time.Duration // websocket heartbeat tick
	ShutdownTimeout   time.Duration // hard deadline for graceful shutdown

	TrustedProxies string // CSV of CIDRs whose X-Forwarded-For is honoured

	MutationRPS int // per-client rate limit on mutation routes; 0 disables
}

// Load builds a Config from the environment with defaults applied.
func Load() Config {
	return Config{
		Port:              ParseInt("PORT", 8080),
		LogLevel:          ParseString("LOG_LEVEL", "info"),
		RedisURL:          ParseString("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:     ParseInt("REDIS_POOL_SIZE", 10),
		DatabaseURL:       ParseString("DATABASE_URL", ""),
		DBMaxConns:        ParseInt("DB_MAX_CONNS", 10),
		SessionTTL:        ParseDuration("SESSION_TTL_SECONDS", 3600*time.Second),
		AuditWorkers:      ParseInt("AUDIT_WORKERS", 10),
		AuditHighWater:    ParseInt("AUDIT_HIGH_WATER", 1000),
		HeartbeatInterval: ParseDuration("WS_HEARTBEAT_SECONDS", 5*time.Second),
		ShutdownTimeout:   ParseDuration("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
		TrustedProxies:    ParseString("TRUSTED_PROXIES", ""),
		MutationRPS:       ParseInt("MUTATION_RPS", 50),
	}
}

// Validate checks the configuration for values the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL must not be empty"))
	} else if _, err := url.Parse(c.RedisURL); err != nil {
		errs = append(errs, fmt.Errorf("REDIS_URL invalid: %w", err))
	}
	if c.SessionTTL < time.Second {
		errs = append(errs, fmt.Errorf("session TTL too short: %s", c.SessionTTL))
	}
	if c.AuditWorkers < 1 {
		errs = append(errs, fmt.Errorf("audit workers must be >= 1, got %d", c.AuditWorkers))
	}
	if c.AuditHighWater < 1 {
		errs = append(errs, fmt.Errorf("audit high-water must be >= 1, got %d", c.AuditHighWater))
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("heartbeat interval too short: %s", c.HeartbeatInterval))
	}

	return errors.Join(errs...)
}

// AuditBackend reports which relational backend the DATABASE_URL selects.
// Postgres URLs go to pgx; anything else is treated as a SQLite file path.
func (c Config) AuditBackend() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
