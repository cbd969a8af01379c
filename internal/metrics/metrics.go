// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics
	switchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "turnsync_switch_latency_seconds",
		Help:    "End-to-end latency of the switch operation",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})

	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_cas_conflicts_total",
		Help: "Total number of optimistic-lock version conflicts",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_operations_total",
		Help: "Session operations by type and outcome",
	}, []string{"operation", "outcome"}) // outcome=success|failure

	sessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_sessions_expired_total",
		Help: "Total number of sessions that ran out of time",
	})

	// Delivery metrics
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnsync_ws_connections",
		Help: "Number of currently attached websocket clients",
	})

	wsBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_ws_broadcasts_total",
		Help: "State frames broadcast to clients by frame type",
	}, []string{"type"})

	wsDroppedClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_ws_dropped_clients_total",
		Help: "Clients dropped due to slow consumption or failed writes",
	})

	// Coordination plane metrics
	coordEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_coord_events_total",
		Help: "Cluster events consumed by the coordination plane, by kind",
	}, []string{"kind"}) // kind=state_change|fanout

	coordEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnsync_coord_events_dropped_total",
		Help: "Cluster events dropped because the local dispatch buffer was full",
	})

	// Audit pipeline metrics
	auditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnsync_audit_queue_depth",
		Help: "Jobs currently in flight in the audit write queue",
	})

	auditJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_audit_jobs_total",
		Help: "Audit jobs by terminal outcome",
	}, []string{"outcome"}) // outcome=completed|dead_letter|poison|dropped

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnsync_http_requests_total",
		Help: "HTTP requests by route and status class",
	}, []string{"route", "status"})
)

func ObserveSwitchLatency(seconds float64) { switchLatencySeconds.Observe(seconds) }
func IncCASConflict()                      { casConflictsTotal.Inc() }

func IncOperation(op, outcome string) { operationsTotal.WithLabelValues(op, outcome).Inc() }
func IncSessionExpired()              { sessionsExpiredTotal.Inc() }

func IncCoordEvent(kind string) { coordEventsTotal.WithLabelValues(kind).Inc() }
func IncCoordDropped()          { coordEventsDroppedTotal.Inc() }

func IncWSConnections()          { wsConnections.Inc() }
func DecWSConnections()          { wsConnections.Dec() }
func IncBroadcast(frame string)  { wsBroadcastsTotal.WithLabelValues(frame).Inc() }
func IncDroppedClient()          { wsDroppedClientsTotal.Inc() }
func SetAuditQueueDepth(n int)   { auditQueueDepth.Set(float64(n)) }
func IncAuditJob(outcome string) { auditJobsTotal.WithLabelValues(outcome).Inc() }

func IncHTTPRequest(route, status string) { httpRequestsTotal.WithLabelValues(route, status).Inc() }
