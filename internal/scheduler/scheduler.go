// Package scheduler runs the periodic background jobs of the process under one
// start/stop lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrRunning    = errors.New("scheduler is already running")
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a named task run every Interval.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Ticker is the part of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers. Tests substitute a manual clock.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type entry struct {
	job     Job
	trigger chan struct{}
}

type Scheduler struct {
	clock Clock
	log   *slog.Logger

	mu      sync.Mutex
	jobs    []*entry
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a scheduler. A nil clock uses real time.
func New(clock Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock, log: log.With("component", "scheduler")}
}

// Add registers a job. Jobs cannot be added while running.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("invalid job %q: name, interval and run func are required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	for _, e := range s.jobs {
		if e.job.Name == job.Name {
			return fmt.Errorf("job %q already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, &entry{job: job, trigger: make(chan struct{}, 1)})
	return nil
}

// Start launches one goroutine per job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	s.running = true

	for _, e := range s.jobs {
		e := e
		ticker := s.clock.NewTicker(e.job.Interval)
		group.Go(func() error {
			defer ticker.Stop()
			s.loop(groupCtx, e, ticker)
			return nil
		})
		s.log.Info("scheduler: Job started", "job", e.job.Name, "interval", e.job.Interval)
	}
	return nil
}

// Stop cancels every job and waits for running executions to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		s.log.Info("scheduler: All jobs stopped")
		return err
	case <-ctx.Done():
		s.log.Warn("scheduler: Timeout waiting for jobs to stop")
		return ctx.Err()
	}
}

// RunNow asks job name to run as soon as it is idle. Requests made while one
// is pending are coalesced.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.job.Name == name {
			select {
			case e.trigger <- struct{}{}:
			default:
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) loop(ctx context.Context, e *entry, ticker Ticker) {
	if e.job.RunOnStart {
		s.execute(ctx, e.job)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.execute(ctx, e.job)
		case <-e.trigger:
			s.execute(ctx, e.job)
		}
	}
}

// execute runs the job once. Errors and panics are logged; the job keeps its
// cadence.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: Job panicked", "job", job.Name, "panic", r)
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.log.Error("scheduler: Job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.log.Debug("scheduler: Job finished", "job", job.Name, "duration", time.Since(start))
}
