package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/database/memory"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestRunner(t *testing.T) (*Runner, *memory.Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New()
	store.SetClock(c.now)
	r := NewRunner(store, Options{BatchSize: 10, RetryBase: time.Second, StaleAfter: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = c.now
	return r, store, c
}

func TestRunner_RunsDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	r, store, c := newTestRunner(t)

	var ran []string
	r.Register(entity.JobDelayResume, func(_ context.Context, job *entity.Job) error {
		ran = append(ran, job.PayloadString("name"))
		return nil
	})

	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: entity.JobDelayResume, Payload: map[string]any{"name": "now"}}))
	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: entity.JobDelayResume, Payload: map[string]any{"name": "later"}, RunAt: c.t.Add(time.Hour)}))

	assert.Equal(t, 1, r.Poll(ctx))
	assert.Equal(t, []string{"now"}, ran)

	c.t = c.t.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Poll(ctx))
	assert.Equal(t, []string{"now", "later"}, ran)
	assert.Equal(t, 0, r.Poll(ctx))

	for _, j := range store.Jobs(entity.JobDelayResume) {
		assert.Equal(t, entity.JobDone, j.Status)
		assert.Equal(t, 1, j.Attempt)
	}
}

func TestRunner_DedupeKey(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)

	job := func() *entity.Job {
		return &entity.Job{Kind: entity.JobActionRetry, DedupeKey: "action:1"}
	}
	require.NoError(t, r.Schedule(ctx, job()))
	require.NoError(t, r.Schedule(ctx, job()))
	assert.Len(t, store.Jobs(entity.JobActionRetry), 1)
}

func TestRunner_RetryThenFail(t *testing.T) {
	ctx := context.Background()
	r, store, c := newTestRunner(t)

	calls := 0
	r.Register(entity.JobActionRetry, func(context.Context, *entity.Job) error {
		calls++
		return errors.New("receiver down")
	})
	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: entity.JobActionRetry, MaxAttempts: 3}))

	r.Poll(ctx)
	jobs := store.Jobs(entity.JobActionRetry)
	require.Len(t, jobs, 1)
	assert.Equal(t, entity.JobPending, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, c.t.Add(time.Second), jobs[0].RunAt)
	assert.Equal(t, "receiver down", jobs[0].LastError)

	c.t = c.t.Add(time.Second)
	r.Poll(ctx)
	jobs = store.Jobs(entity.JobActionRetry)
	assert.Equal(t, c.t.Add(2*time.Second), jobs[0].RunAt, "delay doubles")

	c.t = c.t.Add(2 * time.Second)
	r.Poll(ctx)
	jobs = store.Jobs(entity.JobActionRetry)
	assert.Equal(t, entity.JobFailed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Attempt)
	assert.Equal(t, 3, calls)
}

func TestRunner_PermanentError(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	r.Register(entity.JobActionRetry, func(context.Context, *entity.Job) error {
		return backoff.Permanent(errors.New("execution gone"))
	})
	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: entity.JobActionRetry, MaxAttempts: 5}))

	r.Poll(ctx)
	jobs := store.Jobs(entity.JobActionRetry)
	assert.Equal(t, entity.JobFailed, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestRunner_UnknownKindFails(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: "mystery"}))
	r.Poll(ctx)
	jobs := store.Jobs("mystery")
	require.Len(t, jobs, 1)
	assert.Equal(t, entity.JobFailed, jobs[0].Status)
}

func TestRunner_RecoverStale(t *testing.T) {
	ctx := context.Background()
	r, store, c := newTestRunner(t)
	require.NoError(t, r.Schedule(ctx, &entity.Job{Kind: entity.JobDelayResume}))

	claimed, err := store.ClaimDueJobs(ctx, c.t, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r.RecoverStale(ctx)
	assert.Equal(t, entity.JobRunning, store.Jobs(entity.JobDelayResume)[0].Status, "lock is still fresh")

	c.t = c.t.Add(2 * time.Minute)
	r.RecoverStale(ctx)
	assert.Equal(t, entity.JobPending, store.Jobs(entity.JobDelayResume)[0].Status)
}

func TestRunner_RetryDelay(t *testing.T) {
	r, _, _ := newTestRunner(t)
	assert.Equal(t, time.Second, r.retryDelay(1))
	assert.Equal(t, 2*time.Second, r.retryDelay(2))
	assert.Equal(t, 4*time.Second, r.retryDelay(3))
}
