// Package maintenance runs the periodic housekeeping sweeps: archived
// subagent runs, stale rate-limit windows, expired canvas tokens, and
// abandoned approval requests.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper is one housekeeping task. It returns how many entries it removed.
type Sweeper struct {
	Name string
	Run  func() int
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	// Schedule is a 5-field cron expression. Defaults to every minute.
	Schedule string
	Sweepers []Sweeper
	Logger   *slog.Logger
}

// Scheduler fires the configured sweepers whenever the cron schedule is due.
type Scheduler struct {
	schedule cronlib.Schedule
	sweepers []Sweeper
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a maintenance scheduler. The cron expression is
// validated up front; a bad schedule is a config error, not a runtime one.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		sweepers: cfg.Sweepers,
		logger:   logger.With("component", "maintenance"),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "sweepers", len(s.sweepers))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep()
		}
	}
}

// Sweep runs every sweeper once. Exposed for tests and for a manual sweep
// on demand.
func (s *Scheduler) Sweep() {
	for _, sw := range s.sweepers {
		removed := sw.Run()
		if removed > 0 {
			s.logger.Debug("sweep removed entries", "sweeper", sw.Name, "removed", removed)
		}
	}
}
