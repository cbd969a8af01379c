// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// fakeStore counts writes and fails the first failN RecordEvent calls per
// session with failErr.
type fakeStore struct {
	mu          sync.Mutex
	failN       int
	failErr     error
	events      []Job
	deadLetters []Job
	reasons     []string
	attempts    map[string]int
}

func newFakeStore(failN int, failErr error) *fakeStore {
	return &fakeStore{failN: failN, failErr: failErr, attempts: make(map[string]int)}
}

func (f *fakeStore) RecordEvent(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[job.SessionID]++
	if f.attempts[job.SessionID] <= f.failN {
		return f.failErr
	}
	f.events = append(f.events, job)
	return nil
}

func (f *fakeStore) RecordDeadLetter(_ context.Context, job Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, job)
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeStore) deadLetterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deadLetters)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func startQueue(t *testing.T, store Store, opts QueueOptions) *Queue {
	t.Helper()
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	q := NewQueue(store, opts)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = q.Close(closeCtx)
	})
	return q
}

func TestQueueWritesJobOnFirstAttempt(t *testing.T) {
	store := newFakeStore(0, nil)
	q := startQueue(t, store, QueueOptions{Workers: 2})

	q.Enqueue(Job{SessionID: "s1", EventType: "create"})

	waitFor(t, func() bool { return store.eventCount() == 1 })
	assert.Equal(t, 0, store.deadLetterCount())

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, "s1", completed[0].Job.SessionID)
	assert.Equal(t, 1, completed[0].Attempts)
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	store := newFakeStore(3, errors.New("connection refused"))
	q := startQueue(t, store, QueueOptions{Workers: 1})

	q.Enqueue(Job{SessionID: "s1", EventType: "switch"})

	waitFor(t, func() bool { return store.eventCount() == 1 })
	assert.Equal(t, 0, store.deadLetterCount())

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, 4, completed[0].Attempts)
}

func TestQueueDeadLettersAfterExhaustedRetries(t *testing.T) {
	store := newFakeStore(100, errors.New("connection refused"))
	q := startQueue(t, store, QueueOptions{Workers: 1})

	q.Enqueue(Job{SessionID: "s1", EventType: "switch"})

	waitFor(t, func() bool { return store.deadLetterCount() == 1 })
	assert.Equal(t, 0, store.eventCount())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, maxAttempts, store.attempts["s1"])
	assert.Contains(t, store.reasons[0], "retries exhausted")
}

func TestQueuePoisonJobSkipsRetries(t *testing.T) {
	store := newFakeStore(100, errors.New("CHECK constraint failed: sync_events"))
	q := startQueue(t, store, QueueOptions{Workers: 1})

	q.Enqueue(Job{SessionID: "s1", EventType: "create"})

	waitFor(t, func() bool { return store.deadLetterCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.attempts["s1"], "poison must not be retried")
	assert.Contains(t, store.reasons[0], "constraint violation")
}

func TestQueueSaturationParksInDeadLetter(t *testing.T) {
	store := newFakeStore(0, nil)
	q := NewQueue(store, QueueOptions{Workers: 1, Buffer: 1, HighWater: 1, BackoffBase: time.Millisecond})
	// Workers not started, so the buffer cannot drain.

	q.Enqueue(Job{SessionID: "s1", EventType: "create"})
	q.Enqueue(Job{SessionID: "s2", EventType: "create"})

	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, store.deadLetterCount())

	store.mu.Lock()
	assert.Equal(t, "s2", store.deadLetters[0].SessionID)
	assert.Contains(t, store.reasons[0], "saturated")
	store.mu.Unlock()
}

func TestQueueOverloadedTracksHighWater(t *testing.T) {
	store := newFakeStore(0, nil)
	q := NewQueue(store, QueueOptions{Workers: 1, Buffer: 10, HighWater: 2, BackoffBase: time.Millisecond})

	assert.False(t, q.Overloaded())
	for i := 0; i < 3; i++ {
		q.Enqueue(Job{SessionID: "s1", EventType: "switch"})
	}
	assert.True(t, q.Overloaded())

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	defer cancel()

	waitFor(t, func() bool { return !q.Overloaded() })
	waitFor(t, func() bool { return store.eventCount() == 3 })
}

func TestQueueSinkClonesSnapshot(t *testing.T) {
	store := newFakeStore(0, nil)
	q := startQueue(t, store, QueueOptions{Workers: 1})

	sess := &model.Session{
		SessionID: "s1",
		SyncMode:  model.ModePerParticipant,
		Status:    model.StatusRunning,
		Version:   2,
		Participants: []model.Participant{
			{ParticipantID: "p1", ParticipantIndex: 0, TotalTimeMS: 600_000},
		},
	}
	sink := q.Sink()
	sink("s1", "start", sess)
	sess.Status = model.StatusCompleted // mutate after enqueue

	waitFor(t, func() bool { return store.eventCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotNil(t, store.events[0].Snapshot)
	assert.Equal(t, model.StatusRunning, store.events[0].Snapshot.Status)
}

func TestQueueSinkAcceptsTombstones(t *testing.T) {
	store := newFakeStore(0, nil)
	q := startQueue(t, store, QueueOptions{Workers: 1})

	q.Sink()("s1", "delete", nil)

	waitFor(t, func() bool { return store.eventCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "delete", store.events[0].EventType)
	assert.Nil(t, store.events[0].Snapshot)
}

func TestQueueRetainsAtMostHundredJobs(t *testing.T) {
	store := newFakeStore(0, nil)
	q := startQueue(t, store, QueueOptions{Workers: 4, Buffer: 512})

	for i := 0; i < 150; i++ {
		q.Enqueue(Job{SessionID: "s1", EventType: "switch"})
	}

	waitFor(t, func() bool { return store.eventCount() == 150 })
	assert.LessOrEqual(t, len(q.Completed()), retentionCount)
}

func TestQueueCloseDrainsWithinDeadline(t *testing.T) {
	store := newFakeStore(0, nil)
	q := NewQueue(store, QueueOptions{Workers: 2, BackoffBase: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	q.Enqueue(Job{SessionID: "s1", EventType: "create"})
	waitFor(t, func() bool { return store.eventCount() == 1 })

	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, q.Close(closeCtx))
}
