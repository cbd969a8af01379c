// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/model"
	"github.com/turnsync/turnsync/internal/log"
	"github.com/turnsync/turnsync/internal/metrics"
)

const (
	maxAttempts      = 5
	defaultWorkers   = 10
	defaultHighWater = 1000
	retentionCount   = 100
	retentionAge     = time.Hour
)

// completedJob is one retained entry for operator inspection.
type completedJob struct {
	Job        Job
	FinishedAt time.Time
	Attempts   int
}

// Queue is the asynchronous pipeline from state mutation to audit record.
// Enqueue never blocks the caller; workers absorb retries and backoff.
type Queue struct {
	store       Store
	logger      zerolog.Logger
	jobs        chan Job
	workers     int
	highWater   int64
	backoffBase time.Duration

	inflight atomic.Int64

	mu        sync.Mutex
	completed []completedJob

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// QueueOptions tunes the pipeline; zero values take the defaults.
type QueueOptions struct {
	Workers     int
	HighWater   int
	Buffer      int
	BackoffBase time.Duration // first retry delay; doubles per attempt
}

// NewQueue builds the queue; Start launches the workers.
func NewQueue(store Store, opts QueueOptions) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	highWater := opts.HighWater
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = highWater * 2
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &Queue{
		store:       store,
		logger:      log.WithComponent("audit"),
		jobs:        make(chan Job, buffer),
		workers:     workers,
		highWater:   int64(highWater),
		backoffBase: backoff,
	}
}

// Start launches the worker pool. Must be called once.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info().Int("workers", q.workers).Msg("audit queue started")
}

// Enqueue accepts a job without blocking. When the buffer is saturated the
// job is parked in the dead-letter store instead of stalling the hot path.
func (q *Queue) Enqueue(job Job) {
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}
	select {
	case q.jobs <- job:
		depth := q.inflight.Add(1)
		metrics.SetAuditQueueDepth(int(depth))
	default:
		metrics.IncAuditJob("dropped")
		q.logger.Error().
			Str("session_id", job.SessionID).
			Str("event_type", job.EventType).
			Msg("audit queue saturated, parking job in dead letter")
		q.deadLetter(job, "queue saturated")
	}
}

// Sink adapts Enqueue to the state store's audit hook.
func (q *Queue) Sink() func(sessionID, eventType string, snapshot *model.Session) {
	return func(sessionID, eventType string, snapshot *model.Session) {
		var cp *model.Session
		if snapshot != nil {
			cp = snapshot.Clone()
		}
		q.Enqueue(Job{SessionID: sessionID, EventType: eventType, Snapshot: cp})
	}
}

// Overloaded reports whether the in-flight depth exceeds the high-water
// mark. The boundary may shed low-priority writes while this holds; reads
// and switches are never refused on its account.
func (q *Queue) Overloaded() bool {
	return q.inflight.Load() > q.highWater
}

// Depth returns the current in-flight job count.
func (q *Queue) Depth() int {
	return int(q.inflight.Load())
}

// Completed returns a copy of the retained recently-completed jobs.
func (q *Queue) Completed() []completedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]completedJob, len(q.completed))
	copy(out, q.completed)
	return out
}

// Close stops accepting work and waits for the workers, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, job)
			depth := q.inflight.Add(-1)
			metrics.SetAuditQueueDepth(int(depth))
		}
	}
}

// process writes one job with bounded exponential backoff. Constraint
// violations are poison and go straight to the dead-letter store; transport
// errors are retried; exhaustion raises an alert and parks the job.
func (q *Queue) process(ctx context.Context, job Job) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := q.backoffBase << (attempt - 2) // 2s, 4s, 8s, 16s, 32s
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := q.store.RecordEvent(ctx, job)
		if err == nil {
			metrics.IncAuditJob("completed")
			q.retain(completedJob{Job: job, FinishedAt: time.Now().UTC(), Attempts: attempt})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if isConstraintViolation(err) {
			metrics.IncAuditJob("poison")
			q.logger.Error().Err(err).
				Str("session_id", job.SessionID).
				Str("event_type", job.EventType).
				Msg("poison audit job, not retrying")
			q.deadLetter(job, "constraint violation: "+err.Error())
			return
		}
		lastErr = err
		q.logger.Warn().Err(err).
			Str("session_id", job.SessionID).
			Int("attempt", attempt).
			Msg("audit write failed, will retry")
	}

	metrics.IncAuditJob("dead_letter")
	q.logger.Error().Err(lastErr).
		Str("session_id", job.SessionID).
		Str("event_type", job.EventType).
		Int("attempts", maxAttempts).
		Str("alert", "audit_retries_exhausted").
		Msg("audit job exhausted retries, moved to dead letter")
	q.deadLetter(job, "retries exhausted: "+lastErr.Error())
}

func (q *Queue) deadLetter(job Job, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.RecordDeadLetter(ctx, job, reason); err != nil {
		q.logger.Error().Err(err).
			Str("session_id", job.SessionID).
			Msg("dead-letter write failed, audit record lost")
	}
}

// retain keeps the last retentionCount completed jobs, dropping entries
// older than retentionAge.
func (q *Queue) retain(entry completedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed = append(q.completed, entry)
	cutoff := time.Now().Add(-retentionAge)
	trimmed := q.completed[:0]
	for _, c := range q.completed {
		if c.FinishedAt.After(cutoff) {
			trimmed = append(trimmed, c)
		}
	}
	q.completed = trimmed
	if len(q.completed) > retentionCount {
		q.completed = q.completed[len(q.completed)-retentionCount:]
	}
}
