package miner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Options tune the service loop cadence. Zero values fall back to the
// defaults from DefaultOptions.
type Options struct {
	PollInterval   time.Duration // tick between poll cycles
	HealthInterval time.Duration // how often the backend is re-probed
	StartupTimeout time.Duration // how long to wait for the backend at boot
	MaxConcurrent  int64         // cap on in-flight tasks
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   2 * time.Second,
		HealthInterval: 10 * time.Second,
		StartupTimeout: 120 * time.Second,
		MaxConcurrent:  4,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = def.HealthInterval
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = def.StartupTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = def.MaxConcurrent
	}
	return o
}

// Service is the polling loop: it gates on backend health, asks the dispatch
// server for work, and hands each accepted task to a coordinator goroutine
// through a bounded slot pool so a slow pipeline never delays the next poll.
type Service struct {
	runner      PipelineRunner
	dispatch    Dispatcher
	coordinator *Coordinator
	opts        Options

	slots *semaphore.Weighted

	healthy         bool
	lastHealthCheck time.Time
}

func NewService(runner PipelineRunner, dispatch Dispatcher, coordinator *Coordinator, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		runner:      runner,
		dispatch:    dispatch,
		coordinator: coordinator,
		opts:        opts,
		slots:       semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Run blocks polling until the backend is healthy, then ticks forever.
// It returns only when the startup gate times out or the context ends;
// transient errors inside a tick never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	if err := s.awaitBackend(ctx); err != nil {
		return err
	}

	for {
		extra := s.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PollInterval + extra):
		}
	}
}

// awaitBackend probes the backend every poll interval until it responds or
// the startup timeout elapses. Probe failures here are expected while the
// backend boots and are not logged.
func (s *Service) awaitBackend(ctx context.Context) error {
	slog.Info("waiting for generation backend to initialize")
	deadline := time.Now().Add(s.opts.StartupTimeout)
	start := time.Now()

	for time.Now().Before(deadline) {
		if s.runner.IsHealthy(ctx, true) {
			s.healthy = true
			s.lastHealthCheck = time.Now()
			slog.Info("generation backend ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
		slog.Info("waiting for generation backend", "elapsed", time.Since(start).Round(time.Second))
	}

	return fmt.Errorf("generation backend did not become available within %s", s.opts.StartupTimeout)
}

// tick runs one poll cycle and returns any extra sleep to apply before the
// next one. Panics are contained here so a bad cycle cannot kill the loop.
func (s *Service) tick(ctx context.Context) (extra time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("service loop error", "panic", r)
		}
	}()

	if time.Since(s.lastHealthCheck) >= s.opts.HealthInterval {
		s.checkHealth(ctx)
		s.lastHealthCheck = time.Now()
	}

	if !s.healthy {
		slog.Warn("skipping task polling, generation backend unhealthy")
		return s.opts.PollInterval
	}

	if !s.slots.TryAcquire(1) {
		slog.Debug("all task slots busy, skipping poll cycle")
		return 0
	}

	task := s.dispatch.PollForTask(ctx)
	if task == nil {
		s.slots.Release(1)
		return 0
	}

	slog.Info("starting new task", "task_id", task.TaskId)
	go func() {
		defer s.slots.Release(1)
		s.coordinator.HandleTask(ctx, task)
	}()
	return 0
}

// checkHealth re-probes the backend and logs state transitions exactly once.
func (s *Service) checkHealth(ctx context.Context) bool {
	running := s.runner.IsHealthy(ctx, false)
	if !running && s.healthy {
		slog.Error("generation backend is not responding")
		s.healthy = false
	} else if running && !s.healthy {
		slog.Info("generation backend has recovered")
		s.healthy = true
	}
	return s.healthy
}
