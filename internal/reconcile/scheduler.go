// ABOUTME: Runs reconciliation passes at startup, on an interval or cron schedule, and on demand
// ABOUTME: Triggers that arrive while a pass is running are coalesced into one follow-up pass

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Passer runs full reconciliation passes. *Reconciler implements it.
type Passer interface {
	ReconcileAll(ctx context.Context) (Stats, error)
	Resync(ctx context.Context) (Stats, error)
}

// SchedulerConfig controls when passes run.
type SchedulerConfig struct {
	// Interval between passes when Schedule is empty.
	Interval time.Duration
	// Schedule is an optional 5-field cron expression that overrides Interval.
	Schedule string
	// FullOnStartup makes the first pass a Resync.
	FullOnStartup bool
	// SkipStartup waits for the first tick or trigger instead of running
	// a pass immediately.
	SkipStartup bool
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler drives a Passer. Only one pass runs at a time.
type Scheduler struct {
	passer      Passer
	interval    time.Duration
	schedule    cron.Schedule
	fullStartup bool
	skipStartup bool
	trigger     chan bool
	running     atomic.Bool
	last        atomic.Pointer[Stats]
	logger      *slog.Logger
}

// NewScheduler validates cfg and creates a scheduler.
func NewScheduler(p Passer, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		passer:      p,
		interval:    cfg.Interval,
		fullStartup: cfg.FullOnStartup,
		skipStartup: cfg.SkipStartup,
		trigger:     make(chan bool, 1),
		logger:      logger.With("component", "scheduler"),
	}
	if cfg.Schedule != "" {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parsing reconcile schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
	} else if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}
	return s, nil
}

// Trigger requests a pass. It never blocks; a request made while another
// is queued is merged into it, and a full request upgrades a queued one.
func (s *Scheduler) Trigger(full bool) {
	for {
		select {
		case s.trigger <- full:
			return
		default:
		}
		select {
		case queued := <-s.trigger:
			full = full || queued
		default:
		}
	}
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastStats returns the stats of the most recent completed pass, or nil.
func (s *Scheduler) LastStats() *Stats { return s.last.Load() }

// Run executes the startup pass and then serves the schedule until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.skipStartup {
		s.runPass(ctx, s.fullStartup)
	}

	for {
		timer := time.NewTimer(s.nextDelay(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case full := <-s.trigger:
			timer.Stop()
			s.runPass(ctx, full)
		case <-timer.C:
			s.runPass(ctx, false)
		}
	}
}

func (s *Scheduler) nextDelay(now time.Time) time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) runPass(ctx context.Context, full bool) {
	s.running.Store(true)
	defer s.running.Store(false)

	var (
		stats Stats
		err   error
	)
	if full {
		stats, err = s.passer.Resync(ctx)
	} else {
		stats, err = s.passer.ReconcileAll(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("reconcile pass failed", "full", full, "error", err)
		}
		return
	}
	s.last.Store(&stats)
}
