// SPDX-License-Identifier: MIT

// Package api is the HTTP boundary: routing, request decoding, and the
// mapping from typed engine errors onto the REST error taxonomy.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/engine"
	"github.com/turnsync/turnsync/internal/log"
)

// Pinger is a connectivity probe used by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogReporter exposes the audit queue's overload signal.
type BacklogReporter interface {
	Overloaded() bool
}

// Server wires the engine, the delivery hub and the health probes into one
// chi router.
type Server struct {
	engine  *engine.Engine
	wsHub   http.Handler
	primary Pinger
	audit   Pinger
	backlog BacklogReporter
	logger  zerolog.Logger

	mutationRPS int
}

// Options carries the server's collaborators.
type Options struct {
	Engine  *engine.Engine
	WSHub   http.Handler
	Primary Pinger
	Audit   Pinger
	Backlog BacklogReporter

	// MutationRPS bounds per-client mutation throughput. 0 disables the
	// limiter (tests).
	MutationRPS int
}

// NewServer builds the HTTP boundary.
func NewServer(opts Options) *Server {
	return &Server{
		engine:      opts.Engine,
		wsHub:       opts.WSHub,
		primary:     opts.Primary,
		audit:       opts.Audit,
		backlog:     opts.Backlog,
		logger:      log.WithComponent("api"),
		mutationRPS: opts.MutationRPS,
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.wsHub != nil {
		r.Handle("/ws", s.wsHub)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/time", s.handleTime)

		r.Route("/sessions", func(r chi.Router) {
			if s.mutationRPS > 0 {
				r.Use(httprate.LimitByIP(s.mutationRPS, time.Second))
			}
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/start", s.handleStart)
				r.Post("/switch", s.handleSwitch)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/complete", s.handleComplete)
				r.Post("/cancel", s.handleCancel)
				r.Post("/participants", s.handleAddParticipant)
				r.Patch("/participants/{participantID}", s.handleAdjustTime)
			})
		})
	})

	return r
}
