// Package scheduler runs named periodic jobs inside the process.
//
// Each job has a Schedule that decides its next run time. A job never
// overlaps with itself: if a run is still in flight when the next tick
// arrives, the tick is skipped and the run time recomputed. Job errors are
// logged and never stop the scheduler.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrJobAlreadyRegistered = errors.New("scheduler: job already registered")
	ErrNoJobsRegistered     = errors.New("scheduler: no jobs registered")
)

// JobFunc is the unit of work executed on each scheduled run.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule Schedule
	fn       JobFunc
	nextRun  time.Time
	inFlight bool
}

// Scheduler manages periodic jobs with a single shared ticker.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*job
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckInterval sets how often due jobs are checked. Default 30s.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler with no jobs registered.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*job),
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a periodic job. The first run happens at the schedule's next
// fire time after registration.
func (s *Scheduler) Register(name string, schedule Schedule, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return ErrJobAlreadyRegistered
	}

	s.jobs[name] = &job{
		name:     name,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(s.now()),
	}

	s.logger.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Start blocks, running due jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	if count == 0 {
		return ErrNoJobsRegistered
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// RunNow executes a registered job immediately, honoring the same
// no-overlap guarantee as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok || j.inFlight {
		s.mu.Unlock()
		return
	}
	j.inFlight = true
	s.mu.Unlock()

	s.execute(ctx, j)
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.inFlight {
			continue
		}
		if !j.nextRun.After(now) {
			j.inFlight = true
			j.nextRun = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	defer func() {
		s.mu.Lock()
		j.inFlight = false
		s.mu.Unlock()
	}()

	started := s.now()
	if err := j.fn(ctx); err != nil {
		s.logger.Error("periodic job failed",
			slog.String("job", j.name),
			slog.Any("error", err),
			slog.Duration("elapsed", s.now().Sub(started)))
		return
	}

	s.logger.Info("periodic job completed",
		slog.String("job", j.name),
		slog.Duration("elapsed", s.now().Sub(started)))
}
