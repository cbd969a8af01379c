// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnsync/turnsync/internal/domain/session/model"
	"github.com/turnsync/turnsync/internal/domain/session/store"
)

// fakeClock makes the engine's time arithmetic deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.NewRedisStore(context.Background(),
		store.Options{URL: "redis://" + mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := newFakeClock()
	return New(st, WithClock(clk)), clk, st
}

func chessParams(id string) CreateParams {
	return CreateParams{
		SessionID: id,
		SyncMode:  model.ModePerParticipant,
		Participants: []ParticipantParams{
			{ParticipantID: "p1", ParticipantIndex: 0, TotalTimeMS: 600_000},
			{ParticipantID: "p2", ParticipantIndex: 1, TotalTimeMS: 600_000},
		},
		IncrementMS: 3000,
	}
}

func TestCreateValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"unknown mode", func(p *CreateParams) { p.SyncMode = "per_team" }},
		{"duplicate participant id", func(p *CreateParams) { p.Participants[1].ParticipantID = "p1" }},
		{"duplicate participant index", func(p *CreateParams) { p.Participants[1].ParticipantIndex = 0 }},
		{"negative increment", func(p *CreateParams) { p.IncrementMS = -1 }},
		{"per_cycle without budget", func(p *CreateParams) { p.SyncMode = model.ModePerCycle }},
		{"per_group without group ids", func(p *CreateParams) { p.SyncMode = model.ModePerGroup }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := chessParams("c-" + tc.name)
			tc.mutate(&p)
			_, err := e.Create(ctx, p)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateDuplicateSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	_, err = e.Create(ctx, chessParams("s1"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestChessFlow(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.Version)

	started, err := e.Start(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	assert.Equal(t, "p1", started.ActiveParticipantID)
	assert.True(t, started.Participant("p1").IsActive)
	assert.Equal(t, int64(2), started.Version)
	require.NoError(t, started.CheckInvariants())

	clk.Advance(5 * time.Second)

	res, err := e.Switch(ctx, "s1", SwitchParams{})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.PreviousParticipantID)
	assert.Equal(t, "p2", res.NewActiveParticipantID)

	sess := res.Session
	require.NoError(t, sess.CheckInvariants())
	assert.Equal(t, int64(3), sess.Version)

	p1 := sess.Participant("p1")
	// 600000 - 5000 elapsed + 3000 Fischer bonus
	assert.Equal(t, int64(598_000), p1.TotalTimeMS)
	assert.Equal(t, int64(5000), p1.TimeUsedMS)
	assert.Equal(t, 1, p1.CycleCount)
	assert.False(t, p1.IsActive)
	assert.True(t, sess.Participant("p2").IsActive)
}

func TestSwitchExpiration(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	p := chessParams("s1")
	p.Participants[0].TotalTimeMS = 100
	p.IncrementMS = 3000
	_, err := e.Create(ctx, p)
	require.NoError(t, err)
	_, err = e.Start(ctx, "s1", 0)
	require.NoError(t, err)

	clk.Advance(200 * time.Millisecond)

	res, err := e.Switch(ctx, "s1", SwitchParams{})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.ExpiredParticipantID)
	assert.Empty(t, res.NewActiveParticipantID)

	sess := res.Session
	assert.Equal(t, model.StatusExpired, sess.Status)
	p1 := sess.Participant("p1")
	assert.True(t, p1.HasExpired)
	assert.Equal(t, int64(0), p1.TotalTimeMS, "budget clamps at zero, no increment on the crossing")
	require.NoError(t, sess.CheckInvariants())
}

func TestSwitchStaleActor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	_, err = e.Start(ctx, "s1", 0)
	require.NoError(t, err)

	_, err = e.Switch(ctx, "s1", SwitchParams{ExpectedCurrentParticipantID: "p2"})
	assert.ErrorIs(t, err, ErrStaleActor)
}

func TestSwitchRejectedWhenNotRunning(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	_, err = e.Switch(ctx, "s1", SwitchParams{})
	assert.True(t, IsInvalidTransition(err))
}

func TestPauseResumePreservesBudget(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	_, err = e.Start(ctx, "s1", 0)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	paused, err := e.Pause(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, paused.Status)
	assert.Nil(t, paused.CycleStartedAt)
	assert.Equal(t, int64(598_000), paused.Participant("p1").TotalTimeMS)
	assert.False(t, paused.Participant("p1").IsActive)
	require.NoError(t, paused.CheckInvariants())

	clk.Advance(10 * time.Minute) // paused clock does not tick

	resumed, err := e.Resume(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, resumed.Status)
	assert.Equal(t, "p1", resumed.ActiveParticipantID)
	assert.True(t, resumed.Participant("p1").IsActive)
	assert.Equal(t, int64(598_000), resumed.Participant("p1").TotalTimeMS)
	require.NoError(t, resumed.CheckInvariants())
}

func TestCompleteFromRunningAndPaused(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	for _, viaPause := range []bool{false, true} {
		id := "s-running"
		if viaPause {
			id = "s-paused"
		}
		_, err := e.Create(ctx, chessParams(id))
		require.NoError(t, err)
		_, err = e.Start(ctx, id, 0)
		require.NoError(t, err)

		clk.Advance(time.Second)
		if viaPause {
			_, err = e.Pause(ctx, id, 0)
			require.NoError(t, err)
		}

		done, err := e.Complete(ctx, id, 0)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, done.Status)
		assert.NotNil(t, done.SessionCompletedAt)
		assert.Nil(t, done.CycleStartedAt)
		require.NoError(t, done.CheckInvariants())
	}
}

func TestTerminalSessionRejectsMutations(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	_, err = e.Start(ctx, "s1", 0)
	require.NoError(t, err)
	_, err = e.Complete(ctx, "s1", 0)
	require.NoError(t, err)

	_, err = e.Start(ctx, "s1", 0)
	assert.True(t, IsInvalidTransition(err))
	_, err = e.Pause(ctx, "s1", 0)
	assert.True(t, IsInvalidTransition(err))
	_, err = e.Switch(ctx, "s1", SwitchParams{})
	assert.True(t, IsInvalidTransition(err))
	_, err = e.Cancel(ctx, "s1", 0)
	assert.True(t, IsInvalidTransition(err))
	_, err = e.AdjustTime(ctx, "s1", AdjustTimeParams{ParticipantID: "p1", TotalTimeMS: 1, Reason: "x"})
	assert.True(t, IsInvalidTransition(err))

	// Delete stays legal in terminal states.
	assert.NoError(t, e.Delete(ctx, "s1"))
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	got, err := e.Cancel(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestAddParticipant(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	got, err := e.AddParticipant(ctx, "s1", 0,
		ParticipantParams{ParticipantID: "p3", ParticipantIndex: 2, TotalTimeMS: 300_000})
	require.NoError(t, err)
	assert.Len(t, got.Participants, 3)
	assert.Equal(t, int64(1_500_000), got.TotalTimeMS)

	_, err = e.AddParticipant(ctx, "s1", 0,
		ParticipantParams{ParticipantID: "p3", ParticipantIndex: 3, TotalTimeMS: 1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.AddParticipant(ctx, "s1", 0,
		ParticipantParams{ParticipantID: "p4", ParticipantIndex: 2, TotalTimeMS: 1})
	assert.ErrorIs(t, err, ErrValidation)

	// Only pending sessions accept new participants.
	_, err = e.Start(ctx, "s1", 0)
	require.NoError(t, err)
	_, err = e.AddParticipant(ctx, "s1", 0,
		ParticipantParams{ParticipantID: "p5", ParticipantIndex: 4, TotalTimeMS: 1})
	assert.True(t, IsInvalidTransition(err))
}

func TestAdjustTime(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	_, err = e.AdjustTime(ctx, "s1", AdjustTimeParams{ParticipantID: "p1", TotalTimeMS: 30_000})
	assert.ErrorIs(t, err, ErrValidation, "reason is mandatory")

	got, err := e.AdjustTime(ctx, "s1", AdjustTimeParams{
		ParticipantID: "p1", TotalTimeMS: 30_000, Reason: "arbiter correction",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), got.Participant("p1").TotalTimeMS)

	_, err = e.AdjustTime(ctx, "s1", AdjustTimeParams{
		ParticipantID: "ghost", TotalTimeMS: 1, Reason: "x",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExplicitVersionConflictFailsFast(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	started, err := e.Start(ctx, "s1", 0)
	require.NoError(t, err)

	// Pin a stale version: the record is already past it.
	_, err = e.Switch(ctx, "s1", SwitchParams{ExpectedVersion: started.Version - 1})
	require.Error(t, err)
	require.True(t, store.IsConflict(err))

	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, started.Version-1, ce.Expected)
	assert.Equal(t, started.Version, ce.Actual)
}

func TestConcurrentExplicitSwitchesOneWins(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)
	started, err := e.Start(ctx, "s1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Switch(ctx, "s1", SwitchParams{ExpectedVersion: started.Version})
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case store.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestVersionStrictlyIncreases(t *testing.T) {
	e, clk, st := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	last := int64(1)
	steps := []func() error{
		func() error { _, err := e.Start(ctx, "s1", 0); return err },
		func() error { clk.Advance(time.Second); _, err := e.Switch(ctx, "s1", SwitchParams{}); return err },
		func() error { clk.Advance(time.Second); _, err := e.Pause(ctx, "s1", 0); return err },
		func() error { _, err := e.Resume(ctx, "s1", 0); return err },
		func() error { clk.Advance(time.Second); _, err := e.Switch(ctx, "s1", SwitchParams{}); return err },
		func() error { _, err := e.Complete(ctx, "s1", 0); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		cur, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.Greater(t, cur.Version, last, "version must strictly increase at step %d", i)
		require.NoError(t, cur.CheckInvariants())
		last = cur.Version
	}
}

// conflictingStore injects CAS conflicts ahead of a real store to exercise
// the engine's bounded retry loop.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) Update(ctx context.Context, id string, s *model.Session, expected int64, event string) (int64, error) {
	c.mu.Lock()
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return 0, &store.ConflictError{Expected: expected, Actual: expected + 1}
	}
	return c.Store.Update(ctx, id, s, expected, event)
}

func TestEngineRetriesConflictsWithoutExplicitVersion(t *testing.T) {
	_, _, base := newTestEngine(t)
	ctx := context.Background()

	cs := &conflictingStore{Store: base, conflicts: 2}
	e := New(cs, WithClock(newFakeClock()))

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	// Two injected conflicts, three attempts: the third succeeds.
	got, err := e.Start(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestEngineGivesUpAfterRetryBudget(t *testing.T) {
	_, _, base := newTestEngine(t)
	ctx := context.Background()

	cs := &conflictingStore{Store: base, conflicts: 10}
	e := New(cs, WithClock(newFakeClock()))

	_, err := e.Create(ctx, chessParams("s1"))
	require.NoError(t, err)

	_, err = e.Start(ctx, "s1", 0)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestMutationsOnMissingSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, "ghost", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.Switch(ctx, "ghost", SwitchParams{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = e.Delete(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var invalid *InvalidTransitionError
	assert.False(t, errors.As(err, &invalid))
}
