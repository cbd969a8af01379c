// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turnsync/turnsync/internal/log"
)

const probeTimeout = 2 * time.Second

// handleHealthz is the liveness probe: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports dependency health. The primary store is required;
// the audit store is reported but non-fatal because the pipeline absorbs
// outages with retries and the dead-letter table.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]string{"primary_store": "ok", "audit_store": "ok"}
	var auditErr error

	g, probeCtx := errgroup.WithContext(ctx)
	if s.primary != nil {
		g.Go(func() error { return s.primary.Ping(probeCtx) })
	}
	if s.audit != nil {
		g.Go(func() error {
			auditErr = s.audit.Ping(probeCtx)
			return nil
		})
	}
	primaryErr := g.Wait()

	status := http.StatusOK
	if primaryErr != nil {
		checks["primary_store"] = primaryErr.Error()
		status = http.StatusServiceUnavailable
	}
	if auditErr != nil {
		checks["audit_store"] = "degraded: " + auditErr.Error()
		log.FromContext(r.Context()).Warn().Err(auditErr).Msg("audit store unreachable")
	}
	if s.backlog != nil && s.backlog.Overloaded() {
		checks["audit_queue"] = "backlogged"
	}

	body := map[string]any{"checks": checks}
	if status == http.StatusOK {
		body["status"] = "ready"
	} else {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

// handleTime exposes the server clock for client-side drift correction.
// Clients render countdowns from server timestamps, never local ticks.
func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"server_time":  now.Format(time.RFC3339Nano),
		"timestamp_ms": now.UnixMilli(),
	})
}
