package certs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Renewer is anything whose certificates can be renewed on a schedule.
type Renewer interface {
	RenewDue(ctx context.Context) (int, error)
}

// Scheduler runs RenewDue on every added Renewer following a cron
// expression (e.g. "0 */12 * * *").
type Scheduler struct {
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	renewers map[Renewer]string
}

// NewScheduler creates a scheduler for schedule.
func NewScheduler(schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
		renewers: make(map[Renewer]string),
	}
}

// Add schedules r under name, usually the project name.
func (s *Scheduler) Add(name string, r Renewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewers[r] = name
}

// Remove unschedules r.
func (s *Scheduler) Remove(r Renewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renewers, r)
}

// Start begins the scheduled renewal checks. An empty schedule disables
// them. The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("renewal schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunNow(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule renewal: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("renewal scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Run starts the scheduler and blocks until ctx is done, for use in an
// errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunNow runs one renewal pass over every renewer and returns how many
// certificates were written.
func (s *Scheduler) RunNow(ctx context.Context) int {
	s.mu.Lock()
	renewers := make(map[Renewer]string, len(s.renewers))
	for r, name := range s.renewers {
		renewers[r] = name
	}
	s.mu.Unlock()

	total := 0
	for r, name := range renewers {
		n, err := r.RenewDue(ctx)
		total += n
		if err != nil {
			s.logger.Error("scheduled renewal failed", "app", name, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("scheduled renewal completed", "app", name, "renewed", n)
		}
	}
	return total
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// Waiting outside the lock lets a running pass snapshot the renewers.
	<-s.cron.Stop().Done()
	s.logger.Info("renewal scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled check, or nil when not scheduled.
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
