package core

import (
	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
	"context"
	"log/slog"
	"sync"
)

type Repository interface {
	CheckApiKey(key string) (string, error)
	ListMessages(ctx context.Context, conversationID string, limit int64) ([]*entity.Message, error)
}

type Engine interface {
	HandleEvent(ctx context.Context, ev *entity.InboundEvent) error
	ReleaseHandoff(ctx context.Context, conversationID string) error
	OperatorReply(ctx context.Context, conversationID, operatorID, text string) (entity.SendResult, error)
}

type FunnelDefinitions interface {
	Activate(ctx context.Context, funnelID string) error
	Deactivate(ctx context.Context, funnelID string) error
}

type BroadcastScheduler interface {
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*entity.Broadcast, error)
	StartDue(ctx context.Context)
}

type JobRunner interface {
	RecoverStale(ctx context.Context)
}

// Sweeper drops expired entries from an in-process cache.
type Sweeper interface {
	Sweep() int
}

type Core struct {
	repo       Repository
	engine     Engine
	funnels    FunnelDefinitions
	broadcasts BroadcastScheduler
	jobs       JobRunner
	sweeper    Sweeper
	authKey    string
	keys       map[string]string
	mu         sync.RWMutex
	log        *slog.Logger
}

func New(log *slog.Logger) *Core {
	return &Core{
		log:  log.With(sl.Module("core")),
		keys: make(map[string]string),
	}
}

func (c *Core) SetRepository(repo Repository) {
	c.repo = repo
}

func (c *Core) SetAuthKey(key string) {
	c.authKey = key
}

func (c *Core) SetEngine(engine Engine) {
	c.engine = engine
}

func (c *Core) SetFunnelDefinitions(funnels FunnelDefinitions) {
	c.funnels = funnels
}

func (c *Core) SetBroadcastScheduler(broadcasts BroadcastScheduler) {
	c.broadcasts = broadcasts
}

func (c *Core) SetJobRunner(jobs JobRunner) {
	c.jobs = jobs
}

func (c *Core) SetSweeper(sweeper Sweeper) {
	c.sweeper = sweeper
}
