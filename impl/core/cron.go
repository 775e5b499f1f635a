package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Schedule struct {
	DueBroadcasts string
	StaleJobs     string
	DedupSweep    string
}

// StartCron runs maintenance tasks until ctx is done. Specs use the
// six-field format with seconds.
func (c *Core) StartCron(ctx context.Context, schedule Schedule) (*cron.Cron, error) {
	logger := slog.NewLogLogger(c.log.Handler(), slog.LevelError)
	cr := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
	)

	tasks := []struct {
		name string
		spec string
		run  func()
	}{
		{name: "due broadcasts", spec: schedule.DueBroadcasts, run: func() {
			if c.broadcasts != nil {
				c.broadcasts.StartDue(ctx)
			}
		}},
		{name: "stale jobs", spec: schedule.StaleJobs, run: func() {
			if c.jobs != nil {
				c.jobs.RecoverStale(ctx)
			}
		}},
		{name: "dedup sweep", spec: schedule.DedupSweep, run: func() {
			if c.sweeper != nil {
				if n := c.sweeper.Sweep(); n > 0 {
					c.log.Debug("dedup keys expired", slog.Int("count", n))
				}
			}
		}},
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		if _, err := cr.AddFunc(t.spec, t.run); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", t.name, err)
		}
		c.log.Debug("task scheduled", slog.String("task", t.name), slog.String("spec", t.spec))
	}

	cr.Start()
	go func() {
		<-ctx.Done()
		stopped := cr.Stop()
		<-stopped.Done()
		c.log.Info("cron stopped")
	}()
	return cr, nil
}

// RunMaintenance runs every maintenance task once.
func (c *Core) RunMaintenance(ctx context.Context) {
	if c.broadcasts != nil {
		c.broadcasts.StartDue(ctx)
	}
	if c.jobs != nil {
		c.jobs.RecoverStale(ctx)
	}
	if c.sweeper != nil {
		c.sweeper.Sweep()
	}
	c.log.Debug("maintenance done")
}
