package housekeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the housekeeper on a cron schedule.
type Scheduler struct {
	housekeeper *Housekeeper
	cron        *cron.Cron
	mu          sync.Mutex
	running     bool
}

// NewScheduler creates a new sweep scheduler.
func NewScheduler(h *Housekeeper) *Scheduler {
	return &Scheduler{
		housekeeper: h,
		cron:        cron.New(),
	}
}

// Start begins scheduled sweeps. The schedule accepts standard five-field
// cron expressions and descriptors:
//   - "@every 60s"     - Every minute (default)
//   - "*/5 * * * *"    - Every 5 minutes
//   - "@hourly"        - Once an hour
//
// Overlapping runs are skipped. The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	schedule := s.housekeeper.config.Schedule
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.runSweep(ctx)
	}))
	if _, err := s.cron.AddJob(schedule, job); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.housekeeper.logger.Info("housekeeper scheduler started",
		"schedule", schedule,
		"batch_size", s.housekeeper.config.BatchSize,
		"batches_per_second", s.housekeeper.config.BatchesPerSecond,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// runSweep executes one scheduled sweep. Errors are logged and the next
// tick tries again.
func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.housekeeper.SweepNow(ctx); err != nil {
		s.housekeeper.logger.Error("scheduled sweep failed", "error", err)
	}
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.housekeeper.logger.Info("housekeeper scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// NextRun returns the next scheduled sweep time, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}

	next := entries[0].Next
	return &next
}
