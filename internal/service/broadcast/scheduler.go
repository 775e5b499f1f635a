package broadcast

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
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound          = errors.New("broadcast not found")
	ErrInvalidTransition = errors.New("broadcast status transition not allowed")
)

// Repository persists broadcasts and their recipient snapshots.
type Repository interface {
	GetBroadcast(ctx context.Context, id string) (*entity.Broadcast, error)
	// SetBroadcastStatus moves the broadcast to `to` only when its current status
	// is one of from. It reports whether the row changed.
	SetBroadcastStatus(ctx context.Context, id string, from []entity.BroadcastStatus, to entity.BroadcastStatus, at time.Time) (bool, error)
	ListDueBroadcasts(ctx context.Context, now time.Time) ([]*entity.Broadcast, error)
	ListBroadcastsByStatus(ctx context.Context, status entity.BroadcastStatus) ([]*entity.Broadcast, error)
	// FindAudience returns non-blocked users of a bot matching filter, ordered by id.
	FindAudience(ctx context.Context, tenantID, botID string, filter entity.TargetFilter) ([]*entity.ConversationUser, error)
	// SaveRecipients stores the snapshot and sets total_recipients once.
	SaveRecipients(ctx context.Context, broadcastID string, recipients []*entity.BroadcastRecipient) error
	// ClaimRecipients moves up to limit pending recipients, lowest ordinal first, to sending.
	ClaimRecipients(ctx context.Context, broadcastID string, limit int) ([]*entity.BroadcastRecipient, error)
	// FinishRecipient moves a sending recipient to a final status and bumps the
	// matching counter. A recipient that is not sending is left alone.
	FinishRecipient(ctx context.Context, broadcastID string, ordinal int, status entity.RecipientStatus, errText string) (bool, error)
	// ReleaseRecipient returns a sending recipient to pending.
	ReleaseRecipient(ctx context.Context, broadcastID string, ordinal int) error
	// FailStaleRecipients finalises every sending recipient as failed.
	FailStaleRecipients(ctx context.Context, broadcastID string) (int, error)
	// RecountBroadcast recomputes the counters from the recipient rows.
	RecountBroadcast(ctx context.Context, broadcastID string) error
}

type Messenger interface {
	Send(ctx context.Context, msg entity.OutboundMessage) entity.SendResult
}

type UserBlocker interface {
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
}

type Options struct {
	RatePerSecond      float64
	Burst              int
	BatchSize          int
	Concurrency        int
	MaxThrottleRetries int
	ThrottleBackoff    time.Duration
}

// Scheduler drives broadcasts through their status machine and sends them.
type Scheduler struct {
	repo      Repository
	users     UserBlocker
	messenger Messenger
	limiter   *rate.Limiter
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	root    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func New(repo Repository, users UserBlocker, messenger Messenger, opts Options, log *slog.Logger) *Scheduler {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 25
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxThrottleRetries <= 0 {
		opts.MaxThrottleRetries = 5
	}
	if opts.ThrottleBackoff <= 0 {
		opts.ThrottleBackoff = time.Second
	}
	root, stop := context.WithCancel(context.Background())
	return &Scheduler{
		repo:      repo,
		users:     users,
		messenger: messenger,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:      opts,
		log:       log.With(sl.Module("broadcast")),
		now:       time.Now,
		root:      root,
		stop:      stop,
		running:   make(map[string]bool),
	}
}

func (s *Scheduler) Status(ctx context.Context, id string) (*entity.Broadcast, error) {
	b, err := s.repo.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// Start moves a draft or scheduled broadcast to sending, snapshots the audience
// and launches the send loop.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	b, err := s.transition(ctx, id, entity.BroadcastSending)
	if err != nil {
		return err
	}
	if err := s.snapshot(ctx, b); err != nil {
		return err
	}
	s.launch(id)
	return nil
}

// Pause stops sending after the current batch.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, entity.BroadcastPaused)
	return err
}

// Resume continues a paused broadcast from its cursor.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	b, err := s.transition(ctx, id, entity.BroadcastSending)
	if err != nil {
		return err
	}
	if err := s.snapshot(ctx, b); err != nil {
		return err
	}
	s.launch(id)
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, entity.BroadcastCancelled)
	return err
}

// StartDue starts scheduled broadcasts whose time has come.
func (s *Scheduler) StartDue(ctx context.Context) {
	due, err := s.repo.ListDueBroadcasts(ctx, s.now())
	if err != nil {
		s.log.Error("list due broadcasts", sl.Err(err))
		return
	}
	for _, b := range due {
		if err := s.Start(ctx, b.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.log.Error("start due broadcast", slog.String("broadcast_id", b.ID), sl.Err(err))
		}
	}
}

// Recover relaunches broadcasts that were sending when the process stopped.
func (s *Scheduler) Recover(ctx context.Context) {
	list, err := s.repo.ListBroadcastsByStatus(ctx, entity.BroadcastSending)
	if err != nil {
		s.log.Error("list sending broadcasts", sl.Err(err))
		return
	}
	for _, b := range list {
		if s.isRunning(b.ID) {
			continue
		}
		if err := s.snapshot(ctx, b); err != nil {
			s.log.Error("recover broadcast", slog.String("broadcast_id", b.ID), sl.Err(err))
			continue
		}
		s.log.Info("resuming broadcast", slog.String("broadcast_id", b.ID), slog.Int("processed", b.Processed()))
		s.launch(b.ID)
	}
}

// Stop cancels running send loops and waits for them.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) transition(ctx context.Context, id string, to entity.BroadcastStatus) (*entity.Broadcast, error) {
	b, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entity.CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	ok, err := s.repo.SetBroadcastStatus(ctx, id, []entity.BroadcastStatus{b.Status}, to, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	s.log.Info("broadcast status changed",
		slog.String("broadcast_id", id),
		slog.String("from", string(b.Status)),
		slog.String("to", string(to)),
	)
	b.Status = to
	return b, nil
}

// snapshot resolves the audience the first time sending starts. On later calls
// it repairs recipients left in sending by a crash: they count as failed and
// are never sent again.
func (s *Scheduler) snapshot(ctx context.Context, b *entity.Broadcast) error {
	if b.Snapshotted {
		n, err := s.repo.FailStaleRecipients(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("fail stale recipients: %w", err)
		}
		if n > 0 {
			s.log.Warn("stale recipients marked failed", slog.String("broadcast_id", b.ID), slog.Int("count", n))
		}
		return s.repo.RecountBroadcast(ctx, b.ID)
	}

	users, err := s.repo.FindAudience(ctx, b.TenantID, b.BotID, b.Filter)
	if err != nil {
		return fmt.Errorf("find audience: %w", err)
	}
	now := s.now()
	recipients := make([]*entity.BroadcastRecipient, 0, len(users))
	for _, u := range users {
		if !b.Filter.Matches(u) {
			continue
		}
		recipients = append(recipients, &entity.BroadcastRecipient{
			BroadcastID:        b.ID,
			Ordinal:            len(recipients),
			ConversationUserID: u.ID,
			ChatID:             u.ChatID,
			Status:             entity.RecipientPending,
			UpdatedAt:          now,
		})
	}
	if err := s.repo.SaveRecipients(ctx, b.ID, recipients); err != nil {
		return fmt.Errorf("save recipients: %w", err)
	}
	s.log.Info("broadcast audience resolved", slog.String("broadcast_id", b.ID), slog.Int("recipients", len(recipients)))
	return nil
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Scheduler) launch(id string) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()
		if err := s.Run(s.root, id); err != nil {
			s.log.Error("broadcast run", slog.String("broadcast_id", id), sl.Err(err))
		}
	}()
}

// Run sends pending recipients in batches until none are left or the broadcast
// leaves the sending status. Status is checked between batches.
func (s *Scheduler) Run(ctx context.Context, id string) error {
	log := s.log.With(slog.String("broadcast_id", id))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := s.Status(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != entity.BroadcastSending {
			log.Info("broadcast run stopped", slog.String("status", string(b.Status)), slog.Int("processed", b.Processed()))
			return nil
		}

		batch, err := s.repo.ClaimRecipients(ctx, id, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("claim recipients: %w", err)
		}
		if len(batch) == 0 {
			if err := s.repo.RecountBroadcast(ctx, id); err != nil {
				return err
			}
			ok, err := s.repo.SetBroadcastStatus(ctx, id, []entity.BroadcastStatus{entity.BroadcastSending}, entity.BroadcastCompleted, s.now())
			if err != nil {
				return err
			}
			if ok {
				log.Info("broadcast completed")
			}
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, r := range batch {
			r := r
			g.Go(func() error {
				s.deliver(gctx, b, r)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// deliver sends to one claimed recipient and finalises it exactly once. A
// recipient that could not be attempted goes back to pending; one still
// throttled after MaxThrottleRetries fails.
func (s *Scheduler) deliver(ctx context.Context, b *entity.Broadcast, r *entity.BroadcastRecipient) {
	// finalisation must survive pause and shutdown of the send context
	store := context.WithoutCancel(ctx)
	log := s.log.With(slog.String("broadcast_id", b.ID), slog.Int("ordinal", r.Ordinal))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ThrottleBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for throttled := 0; ; throttled++ {
		if err := s.limiter.Wait(ctx); err != nil {
			s.release(store, b.ID, r, log)
			return
		}
		res := s.messenger.Send(ctx, entity.OutboundMessage{
			TenantID: b.TenantID,
			BotID:    b.BotID,
			ChatID:   r.ChatID,
			Content:  b.Content,
		})
		metrics.BroadcastSends.WithLabelValues(string(res.Status)).Inc()

		switch res.Status {
		case entity.SendSent:
			s.finish(store, b.ID, r, entity.RecipientSent, "", log)
			return
		case entity.SendBlocked:
			s.finish(store, b.ID, r, entity.RecipientBlocked, "blocked by user", log)
			if err := s.users.SetUserBlocked(store, r.ConversationUserID, true); err != nil {
				log.Error("set user blocked", sl.Err(err))
			}
			return
		case entity.SendThrottled:
			if throttled >= s.opts.MaxThrottleRetries {
				log.Warn("throttle retries exhausted")
				s.finish(store, b.ID, r, entity.RecipientFailed, "throttled", log)
				return
			}
			wait := bo.NextBackOff()
			if res.RetryAfter > wait {
				wait = res.RetryAfter
			}
			log.Debug("throttled", slog.Duration("wait", wait))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				s.release(store, b.ID, r, log)
				return
			case <-t.C:
			}
		default:
			text := "send failed"
			if res.Err != nil {
				text = res.Err.Error()
			}
			s.finish(store, b.ID, r, entity.RecipientFailed, text, log)
			return
		}
	}
}

func (s *Scheduler) finish(ctx context.Context, broadcastID string, r *entity.BroadcastRecipient, status entity.RecipientStatus, errText string, log *slog.Logger) {
	ok, err := s.repo.FinishRecipient(ctx, broadcastID, r.Ordinal, status, errText)
	if err != nil {
		log.Error("finish recipient", slog.String("status", string(status)), sl.Err(err))
		return
	}
	if !ok {
		log.Warn("recipient was already finalised")
	}
}

func (s *Scheduler) release(ctx context.Context, broadcastID string, r *entity.BroadcastRecipient, log *slog.Logger) {
	if err := s.repo.ReleaseRecipient(ctx, broadcastID, r.Ordinal); err != nil {
		log.Error("release recipient", sl.Err(err))
	}
}
