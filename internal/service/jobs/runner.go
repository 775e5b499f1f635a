package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Store persists jobs. Claims must be atomic: a job is handed to one runner only.
type Store interface {
	// EnqueueJob inserts a job. A pending job with the same non-empty DedupeKey
	// makes the insert a no-op.
	EnqueueJob(ctx context.Context, job *entity.Job) error
	// ClaimDueJobs moves up to limit pending jobs with run_at <= now to running.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, runAt time.Time, attempt int, lastErr string) error
	FailJob(ctx context.Context, id string, attempt int, lastErr string) error
	// RequeueStaleJobs returns running jobs locked before staleBefore to pending.
	RequeueStaleJobs(ctx context.Context, staleBefore time.Time) (int, error)
}

// Handler executes one job. Returning backoff.Permanent(err) fails the job
// without further attempts.
type Handler func(ctx context.Context, job *entity.Job) error

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	RetryBase    time.Duration
}

// Runner periodically claims due jobs and dispatches them to registered handlers.
type Runner struct {
	store    Store
	opts     Options
	handlers map[entity.JobKind]Handler
	mu       sync.RWMutex
	log      *slog.Logger
	now      func() time.Time
}

func NewRunner(store Store, opts Options, log *slog.Logger) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	return &Runner{
		store:    store,
		opts:     opts,
		handlers: make(map[entity.JobKind]Handler),
		log:      log.With(sl.Module("jobs")),
		now:      time.Now,
	}
}

func (r *Runner) Register(kind entity.JobKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Schedule persists a job for later execution.
func (r *Runner) Schedule(ctx context.Context, job *entity.Job) error {
	now := r.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = entity.JobPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := r.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	r.log.Debug("job scheduled",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Time("run_at", job.RunAt),
	)
	return nil
}

// RecoverStale requeues jobs that were running when a previous process died.
func (r *Runner) RecoverStale(ctx context.Context) {
	n, err := r.store.RequeueStaleJobs(ctx, r.now().Add(-r.opts.StaleAfter))
	if err != nil {
		r.log.Error("requeue stale jobs", sl.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("stale jobs requeued", slog.Int("count", n))
	}
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("job runner started", slog.Duration("poll_interval", r.opts.PollInterval))
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("job runner stopped")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims one batch of due jobs and executes them. It returns the number claimed.
func (r *Runner) Poll(ctx context.Context) int {
	jobs, err := r.store.ClaimDueJobs(ctx, r.now(), r.opts.BatchSize)
	if err != nil {
		r.log.Error("claim due jobs", sl.Err(err))
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job)
	}
	return len(jobs)
}

func (r *Runner) execute(ctx context.Context, job *entity.Job) {
	log := r.log.With(
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempt+1),
	)

	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		log.Warn("no handler for job kind")
		r.fail(ctx, job, job.Attempt+1, "no handler registered", log)
		return
	}

	err := h(ctx, job)
	attempt := job.Attempt + 1
	if err == nil {
		metrics.Jobs.WithLabelValues(string(job.Kind), "done").Inc()
		if err := r.store.CompleteJob(ctx, job.ID); err != nil {
			log.Error("complete job", sl.Err(err))
		}
		return
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || attempt >= job.MaxAttempts {
		log.Error("job failed", sl.Err(err))
		r.fail(ctx, job, attempt, err.Error(), log)
		return
	}

	next := r.now().Add(r.retryDelay(attempt))
	log.Warn("job failed, rescheduled", slog.Time("run_at", next), sl.Err(err))
	metrics.Jobs.WithLabelValues(string(job.Kind), "retry").Inc()
	if err := r.store.RescheduleJob(ctx, job.ID, next, attempt, err.Error()); err != nil {
		log.Error("reschedule job", sl.Err(err))
	}
}

func (r *Runner) fail(ctx context.Context, job *entity.Job, attempt int, reason string, log *slog.Logger) {
	metrics.Jobs.WithLabelValues(string(job.Kind), "failed").Inc()
	if err := r.store.FailJob(ctx, job.ID, attempt, reason); err != nil {
		log.Error("fail job", sl.Err(err))
	}
}

// retryDelay is the exponential delay before attempt+1: base, 2*base, 4*base...
func (r *Runner) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
