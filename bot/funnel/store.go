package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"

	"golang.org/x/sync/singleflight"
)

// DefinitionSource is the persisted funnel authoring data.
type DefinitionSource interface {
	ListFunnels(ctx context.Context, tenantID, botID string) ([]*entity.Funnel, error)
	GetFunnel(ctx context.Context, id string) (*entity.Funnel, error)
	ListSteps(ctx context.Context, funnelID string) ([]*entity.Step, error)
	ListTriggers(ctx context.Context, tenantID, botID string) ([]*entity.Trigger, error)
	SetFunnelActive(ctx context.Context, id string, active bool) error
}

// BotDefinitions is the compiled, read-only view of one bot's active funnels.
type BotDefinitions struct {
	TenantID string
	BotID    string
	Matcher  *Matcher
	graphs   map[string]*Graph
	fallback string
	loadedAt time.Time
}

func (d *BotDefinitions) Graph(funnelID string) (*Graph, bool) {
	g, ok := d.graphs[funnelID]
	return g, ok
}

// Default is the highest-priority active funnel.
func (d *BotDefinitions) Default() (*Graph, bool) {
	if d.fallback == "" {
		return nil, false
	}
	return d.Graph(d.fallback)
}

// Store caches compiled definitions per (tenant, bot) for ttl.
type Store struct {
	src   DefinitionSource
	ttl   time.Duration
	log   *slog.Logger
	mu    sync.RWMutex
	bots  map[string]*BotDefinitions
	gens  map[string]uint64
	group singleflight.Group
	now   func() time.Time
}

func NewStore(src DefinitionSource, ttl time.Duration, log *slog.Logger) *Store {
	return &Store{
		src:  src,
		ttl:  ttl,
		log:  log.With(sl.Module("funnel.store")),
		bots: make(map[string]*BotDefinitions),
		gens: make(map[string]uint64),
		now:  time.Now,
	}
}

func botKey(tenantID, botID string) string {
	return tenantID + "/" + botID
}

// Bot returns the compiled definitions of a bot, loading them on a cache miss.
func (s *Store) Bot(ctx context.Context, tenantID, botID string) (*BotDefinitions, error) {
	key := botKey(tenantID, botID)
	s.mu.RLock()
	d, ok := s.bots[key]
	s.mu.RUnlock()
	if ok && (s.ttl <= 0 || s.now().Sub(d.loadedAt) < s.ttl) {
		return d, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		s.mu.RLock()
		gen := s.gens[key]
		s.mu.RUnlock()

		d, err := s.load(ctx, tenantID, botID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		// an invalidation during the load makes d stale
		if s.gens[key] == gen {
			s.bots[key] = d
		}
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load definitions %s: %w", key, err)
	}
	return v.(*BotDefinitions), nil
}

// Invalidate drops the cached definitions of a bot. A load already in flight
// is not cached and later callers start a new one.
func (s *Store) Invalidate(tenantID, botID string) {
	key := botKey(tenantID, botID)
	s.mu.Lock()
	delete(s.bots, key)
	s.gens[key]++
	s.mu.Unlock()
	s.group.Forget(key)
}

func (s *Store) load(ctx context.Context, tenantID, botID string) (*BotDefinitions, error) {
	funnels, err := s.src.ListFunnels(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	triggers, err := s.src.ListTriggers(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}

	d := &BotDefinitions{
		TenantID: tenantID,
		BotID:    botID,
		graphs:   make(map[string]*Graph),
		loadedAt: s.now(),
	}

	var active []*entity.Funnel
	for _, f := range funnels {
		if !f.IsActive {
			continue
		}
		steps, err := s.src.ListSteps(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		g, err := Compile(f, steps)
		if err != nil {
			// edited after activation; users on it see "funnel ended"
			s.log.Error("active funnel does not compile, skipped",
				slog.String("tenant_id", tenantID),
				slog.String("bot_id", botID),
				slog.String("funnel_id", f.ID),
				sl.Err(err),
			)
			continue
		}
		d.graphs[f.ID] = g
		active = append(active, f)
	}

	kept := make([]*entity.Trigger, 0, len(triggers))
	for _, t := range triggers {
		g, ok := d.graphs[t.FunnelID]
		if !ok || !t.IsActive {
			continue
		}
		if err := checkTrigger(g, t); err != nil {
			s.log.Error("trigger skipped", slog.String("trigger_id", t.ID), sl.Err(err))
			continue
		}
		kept = append(kept, t)
	}
	d.Matcher, err = NewMatcher(kept)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	if len(active) > 0 {
		d.fallback = active[0].ID
	}

	s.log.Debug("definitions loaded",
		slog.String("tenant_id", tenantID),
		slog.String("bot_id", botID),
		slog.Int("funnels", len(d.graphs)),
		slog.Int("triggers", d.Matcher.Len()),
	)
	return d, nil
}

// checkTrigger verifies a trigger's pattern and optional entry step against its funnel.
func checkTrigger(g *Graph, t *entity.Trigger) error {
	if _, err := NewMatcher([]*entity.Trigger{t}); err != nil {
		return err
	}
	if t.StepID != "" {
		if _, ok := g.Node(t.StepID); !ok {
			return configError(g.ID(), t.StepID, "trigger %s points at a missing step", t.ID)
		}
	}
	return nil
}

// Activate validates a funnel with its triggers and marks it active.
// On a ConfigurationError the funnel stays inactive.
func (s *Store) Activate(ctx context.Context, funnelID string) error {
	f, err := s.src.GetFunnel(ctx, funnelID)
	if err != nil {
		return err
	}
	if f == nil {
		return ErrFunnelNotFound
	}
	steps, err := s.src.ListSteps(ctx, f.ID)
	if err != nil {
		return err
	}
	g, err := Compile(f, steps)
	if err != nil {
		return err
	}
	triggers, err := s.src.ListTriggers(ctx, f.TenantID, f.BotID)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if t.FunnelID != f.ID || !t.IsActive {
			continue
		}
		if err := checkTrigger(g, t); err != nil {
			return err
		}
	}
	if err := s.src.SetFunnelActive(ctx, f.ID, true); err != nil {
		return err
	}
	s.Invalidate(f.TenantID, f.BotID)
	s.log.Info("funnel activated",
		slog.String("tenant_id", f.TenantID),
		slog.String("bot_id", f.BotID),
		slog.String("funnel_id", f.ID),
		slog.Int("steps", g.Len()),
	)
	return nil
}

// Deactivate marks a funnel inactive. Users inside it end the funnel on their next event.
func (s *Store) Deactivate(ctx context.Context, funnelID string) error {
	f, err := s.src.GetFunnel(ctx, funnelID)
	if err != nil {
		return err
	}
	if f == nil {
		return ErrFunnelNotFound
	}
	if err := s.src.SetFunnelActive(ctx, f.ID, false); err != nil {
		return err
	}
	s.Invalidate(f.TenantID, f.BotID)
	s.log.Info("funnel deactivated", slog.String("funnel_id", f.ID))
	return nil
}
