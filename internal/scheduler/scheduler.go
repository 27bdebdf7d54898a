// Package scheduler runs recurring background tasks on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// TaskFunc is the function signature for scheduled tasks.
type TaskFunc func(ctx context.Context) error

// TaskInfo describes a registered task for API responses.
type TaskInfo struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Interval string     `json:"interval"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	Running  bool       `json:"running"`
}

type taskEntry struct {
	id       string
	label    string
	interval time.Duration
	fn       TaskFunc
	job      gocron.Job
	lastRun  *time.Time
	running  bool
}

// Scheduler manages background tasks. Each task runs on its own cadence and
// never re-enters concurrently: a tardy handler postpones its next tick.
type Scheduler struct {
	gocron gocron.Scheduler
	logger zerolog.Logger
	tasks  map[string]*taskEntry
	mu     sync.RWMutex
}

// New creates a scheduler. Tasks do not run until Start is called.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		gocron: gs,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*taskEntry),
	}, nil
}

// Register adds a task that runs every interval. Registering an existing id
// is an error; use UpdateInterval to change cadence.
func (s *Scheduler) Register(id, label string, interval time.Duration, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("task %q already registered", id)
	}
	if interval <= 0 {
		return fmt.Errorf("task %q interval must be positive", id)
	}

	job, err := s.gocron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.executeTask(id) }),
		gocron.WithName(label),
		gocron.WithTags(id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", id, err)
	}

	s.tasks[id] = &taskEntry{
		id:       id,
		label:    label,
		interval: interval,
		fn:       fn,
		job:      job,
	}

	s.logger.Info().
		Str("id", id).
		Str("label", label).
		Dur("interval", interval).
		Msg("Registered task")
	return nil
}

// Unregister removes a task. A run already in flight finishes.
func (s *Scheduler) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}

	if err := s.gocron.RemoveJob(entry.job.ID()); err != nil {
		return fmt.Errorf("failed to remove job for task %q: %w", id, err)
	}
	delete(s.tasks, id)

	s.logger.Info().Str("id", id).Msg("Unregistered task")
	return nil
}

// UpdateInterval changes the cadence of a registered task.
func (s *Scheduler) UpdateInterval(id string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	if interval <= 0 {
		return fmt.Errorf("task %q interval must be positive", id)
	}

	job, err := s.gocron.Update(
		entry.job.ID(),
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.executeTask(id) }),
		gocron.WithName(entry.label),
		gocron.WithTags(id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to update job for task %q: %w", id, err)
	}

	entry.job = job
	entry.interval = interval

	s.logger.Info().Str("id", id).Dur("interval", interval).Msg("Updated task interval")
	return nil
}

// RunNow triggers a task out of cadence. Fails when the task is mid-run.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	entry, exists := s.tasks[id]
	running := exists && entry.running
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	if running {
		return fmt.Errorf("task %q is already running", id)
	}

	go s.executeTask(id)
	return nil
}

// executeTask runs one task, recovering panics so a broken handler cannot
// kill the scheduler.
func (s *Scheduler) executeTask(id string) {
	s.mu.Lock()
	entry, exists := s.tasks[id]
	if !exists || entry.running {
		s.mu.Unlock()
		return
	}
	entry.running = true
	fn := entry.fn
	label := entry.label
	s.mu.Unlock()

	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("id", id).
				Str("label", label).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
		}
		s.mu.Lock()
		entry.running = false
		entry.lastRun = &startTime
		s.mu.Unlock()
	}()

	err := fn(context.Background())
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("id", id).
			Str("label", label).
			Dur("duration", time.Since(startTime)).
			Msg("Task failed")
		return
	}
	s.logger.Debug().
		Str("id", id).
		Str("label", label).
		Dur("duration", time.Since(startTime)).
		Msg("Task completed")
}

// Start begins running registered tasks.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("Starting scheduler")
	s.gocron.Start()
}

// Stop shuts down the scheduler, waiting for in-flight runs.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")
	return s.gocron.Shutdown()
}

// List returns information about all registered tasks.
func (s *Scheduler) List() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, entry := range s.tasks {
		info := TaskInfo{
			ID:       entry.id,
			Label:    entry.label,
			Interval: entry.interval.String(),
			LastRun:  entry.lastRun,
			Running:  entry.running,
		}
		if nextRun, err := entry.job.NextRun(); err == nil {
			info.NextRun = &nextRun
		}
		tasks = append(tasks, info)
	}
	return tasks
}
