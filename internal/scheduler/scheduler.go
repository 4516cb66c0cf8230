package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is called when a scheduled job fires.
type JobFunc func(ctx context.Context)

// Scheduler runs named cron jobs and one-shot delayed tasks. Delayed tasks
// live in memory only; a restart drops whatever was pending.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]cron.EntryID // job name → entry ID
	timers  map[*time.Timer]string  // pending one-shots → name
	ctx     context.Context
	stopped bool
	logger  *slog.Logger
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]cron.EntryID),
		timers: make(map[*time.Timer]string),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled, then
// stops cron and drops pending one-shots.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.stopped = true
	for t, name := range s.timers {
		t.Stop()
		s.logger.Warn("delayed task dropped", "task", name)
	}
	clear(s.timers)
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob registers fn under name on a cron schedule: a standard 5-field
// expression or a descriptor such as "@every 2h". A job with the same name
// is replaced.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		s.logger.Info("cron fired", "job", name)
		fn(s.context())
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// RemoveJob removes a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// JobCount returns the number of registered cron jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// After runs fn once after d. Nothing runs once the scheduler has stopped.
func (s *Scheduler) After(d time.Duration, name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Warn("delayed task refused, scheduler stopped", "task", name)
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if !pending {
			return
		}
		s.logger.Debug("delayed task fired", "task", name)
		fn()
	})
	s.timers[t] = name
	s.logger.Debug("delayed task scheduled", "task", name, "in", d)
}

// Pending returns the number of delayed tasks not yet run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
