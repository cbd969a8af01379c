// SPDX-License-Identifier: MIT

// Command turnsyncd runs one stateless turnsync instance: REST and
// websocket boundary, session engine, coordination plane and the audit
// write pipeline, all backed by the shared primary store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/turnsync/turnsync/internal/api"
	"github.com/turnsync/turnsync/internal/audit"
	"github.com/turnsync/turnsync/internal/config"
	"github.com/turnsync/turnsync/internal/coord"
	"github.com/turnsync/turnsync/internal/domain/session/engine"
	"github.com/turnsync/turnsync/internal/domain/session/store"
	tslog "github.com/turnsync/turnsync/internal/log"
	"github.com/turnsync/turnsync/internal/ws"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL strips credentials from a URL string for safe logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	os.Exit(run())
}

func run() int {
	// Local development convenience; the environment always wins.
	_ = godotenv.Load()

	cfg := config.Load()

	tslog.Configure(tslog.Config{
		Level:   cfg.LogLevel,
		Service: "turnsync",
		Version: version,
	})
	logger := tslog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Int("port", cfg.Port).
		Str("redis_url", maskURL(cfg.RedisURL)).
		Str("audit_backend", cfg.AuditBackend()).
		Msg("starting turnsyncd")

	// Audit pipeline first: the state store's commit hook feeds it.
	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error().Err(err).Msg("audit store init failed")
		return 1
	}
	queue := audit.NewQueue(auditStore, audit.QueueOptions{
		Workers:   cfg.AuditWorkers,
		HighWater: cfg.AuditHighWater,
	})
	queue.Start(ctx)

	primary, err := store.NewRedisStore(ctx, store.Options{
		URL:      cfg.RedisURL,
		PoolSize: cfg.RedisPoolSize,
		TTL:      cfg.SessionTTL,
		Audit:    store.AuditSink(queue.Sink()),
	}, tslog.WithComponent("store"))
	if err != nil {
		logger.Error().Err(err).Msg("primary store init failed")
		return 1
	}

	eng := engine.New(primary)

	hub := ws.NewHub(eng, ws.WithHeartbeat(cfg.HeartbeatInterval))
	hub.Run(ctx)

	plane := coord.New(primary)
	plane.OnStateChange(hub.HandleStateChange)
	plane.OnFanout(hub.HandleFanout)
	plane.Start(ctx)

	server := api.NewServer(api.Options{
		Engine:      eng,
		WSHub:       hub,
		Primary:     primary,
		Audit:       auditStore,
		Backlog:     queue,
		MutationRPS: cfg.MutationRPS,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
		return 1
	}

	// Tear down in reverse start order under one hard deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown exceeded deadline")
		return 1
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket shutdown exceeded deadline")
		return 1
	}
	plane.Close()
	if err := primary.Close(); err != nil {
		logger.Warn().Err(err).Msg("primary store close failed")
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit queue drain exceeded deadline")
		return 1
	}
	if err := auditStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("audit store close failed")
	}

	logger.Info().Msg("shutdown complete")
	return 0
}
