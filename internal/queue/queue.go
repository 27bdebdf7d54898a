// Package queue runs durable background jobs over the store: it claims
// pending rows up to a concurrency bound, dispatches registered handlers,
// records outcomes, and recovers interrupted work at startup.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	workerStaleAfter  = 10 * time.Minute
	reapInterval      = time.Minute
)

// Handler processes one claimed job. Long-running handlers must poll
// run.Cancelled() and return promptly when it reports true.
type Handler func(ctx context.Context, run *Run) error

// Run is the per-execution view handed to a handler.
type Run struct {
	Job   store.Job
	queue *Queue
}

// Progress records handler progress and emits a progress event.
func (r *Run) Progress(current, total int64) {
	_ = r.queue.store.UpdateJobProgress(context.Background(), r.Job.ID, current, total)
	r.Job.ProgressCurrent = current
	r.Job.ProgressTotal = total
	r.queue.events.publish(r.queue.eventFor(EventProgress, &r.Job, nil))
}

// Cancelled reports whether a cancel or pause was requested for this job.
func (r *Run) Cancelled() bool {
	return r.queue.IsCancelled(r.Job.ID)
}

// SetResult stores a JSON result persisted on completion.
func (r *Run) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	s := string(data)
	r.Job.Result = &s
	return nil
}

// Options tune a job submission.
type Options struct {
	Priority     int
	MaxAttempts  int
	DedupeKey    string
	ScheduledFor time.Time
	ParentJobID  *int64
	RequestID    *int64
}

type runningJob struct {
	job    store.Job
	cancel context.CancelFunc
}

// Queue is the job queue runtime for one worker process.
type Queue struct {
	store       *store.Store
	sched       *scheduler.Scheduler
	logger      zerolog.Logger
	events      eventBus
	workerID    string
	hostname    string
	pid         int
	concurrency int
	poll        time.Duration

	mu        sync.Mutex
	handlers  map[string]Handler
	running   map[int64]*runningJob
	cancelled map[int64]struct{}

	processing atomic.Bool
	baseCtx    context.Context
	baseStop   context.CancelFunc
}

// Config holds queue tuning parameters.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
}

// New creates a queue. Call Start to begin processing.
func New(st *store.Store, sched *scheduler.Scheduler, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	pid := os.Getpid()

	return &Queue{
		store:       st,
		sched:       sched,
		logger:      logger.With().Str("component", "queue").Logger(),
		workerID:    fmt.Sprintf("%s:%d:%d", hostname, pid, time.Now().Unix()),
		hostname:    hostname,
		pid:         pid,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		handlers:    make(map[string]Handler),
		running:     make(map[int64]*runningJob),
		cancelled:   make(map[int64]struct{}),
	}
}

// WorkerID returns this process's worker identity.
func (q *Queue) WorkerID() string { return q.workerID }

// RegisterHandler binds a handler to a job type. Jobs of unregistered types
// fail immediately when claimed.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Subscribe adds a lifecycle event subscriber.
func (q *Queue) Subscribe(fn Subscriber) {
	q.events.subscribe(fn)
}

// Start registers the worker, performs crash recovery, and schedules the
// claim, heartbeat, and worker-reap tasks.
func (q *Queue) Start(ctx context.Context) error {
	q.baseCtx, q.baseStop = context.WithCancel(context.Background())

	now := time.Now().UTC()
	if err := q.store.RegisterWorker(ctx, store.Worker{
		ID:            q.workerID,
		Hostname:      q.hostname,
		PID:           q.pid,
		LastHeartbeat: now,
	}); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	if err := q.recover(ctx); err != nil {
		return err
	}

	if err := q.sched.Register("queue-claim", "Job queue claim loop", q.poll, func(ctx context.Context) error {
		q.process(ctx)
		return nil
	}); err != nil {
		return err
	}
	if err := q.sched.Register("queue-heartbeat", "Job heartbeats", heartbeatInterval, q.heartbeat); err != nil {
		return err
	}
	if err := q.sched.Register("queue-reap-workers", "Stale worker reaping", reapInterval, q.reapWorkers); err != nil {
		return err
	}

	q.logger.Info().
		Str("workerId", q.workerID).
		Int("concurrency", q.concurrency).
		Dur("pollInterval", q.poll).
		Msg("Job queue started")
	return nil
}

// Stop cancels in-flight handlers and marks the worker stopped.
func (q *Queue) Stop(ctx context.Context) error {
	if q.baseStop != nil {
		q.baseStop()
	}
	return q.store.StopWorker(ctx, q.workerID)
}

// recover performs startup crash recovery: reap stale workers, then rewrite
// every Running job back to Pending so the claim loop picks it up.
func (q *Queue) recover(ctx context.Context) error {
	if err := q.reapWorkers(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Worker reaping during recovery failed")
	}

	n, err := q.store.ResetRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info().Int64("jobs", n).Msg("Re-pended jobs interrupted by a previous run")
	}
	return nil
}

// Add inserts a pending job and nudges the claim loop.
func (q *Queue) Add(ctx context.Context, jobType string, payload any, opts Options) (*store.Job, error) {
	params, err := q.buildParams(jobType, payload, opts)
	if err != nil {
		return nil, err
	}

	job, err := q.store.CreateJob(ctx, *params)
	if err != nil {
		return nil, err
	}

	q.events.publish(q.eventFor(EventCreated, job, nil))
	go q.process(context.Background())
	return job, nil
}

// AddIfNotExists inserts a job unless a non-terminal job already holds the
// dedupe key. Returns (nil, nil) when skipped. The in-memory running set is
// consulted first; the store check runs transactionally behind it.
func (q *Queue) AddIfNotExists(ctx context.Context, jobType string, payload any, dedupeKey string, opts Options) (*store.Job, error) {
	if dedupeKey == "" {
		return nil, fmt.Errorf("dedupe key required")
	}
	opts.DedupeKey = dedupeKey

	q.mu.Lock()
	for _, r := range q.running {
		if r.job.DedupeKey != nil && *r.job.DedupeKey == dedupeKey {
			q.mu.Unlock()
			return nil, nil
		}
	}
	q.mu.Unlock()

	params, err := q.buildParams(jobType, payload, opts)
	if err != nil {
		return nil, err
	}

	job, err := q.store.CreateJobIfNotExists(ctx, *params)
	if err != nil || job == nil {
		return nil, err
	}

	q.events.publish(q.eventFor(EventCreated, job, nil))
	go q.process(context.Background())
	return job, nil
}

func (q *Queue) buildParams(jobType string, payload any, opts Options) (*store.CreateJobParams, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	params := &store.CreateJobParams{
		Type:         jobType,
		Payload:      string(data),
		Priority:     opts.Priority,
		MaxAttempts:  opts.MaxAttempts,
		ScheduledFor: opts.ScheduledFor,
		ParentJobID:  opts.ParentJobID,
		RequestID:    opts.RequestID,
	}
	if opts.DedupeKey != "" {
		params.DedupeKey = &opts.DedupeKey
	}
	return params, nil
}

// process claims and dispatches due jobs up to the concurrency bound. Only
// one claim pass runs at a time so the bound cannot be overshot.
func (q *Queue) process(ctx context.Context) {
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	if q.baseCtx == nil {
		// Not started yet; the claim loop will pick the job up.
		return
	}

	q.mu.Lock()
	available := q.concurrency - len(q.running)
	q.mu.Unlock()
	if available <= 0 {
		return
	}

	jobs, err := q.store.SelectClaimable(ctx, available, time.Now())
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to select claimable jobs")
		return
	}

	for _, job := range jobs {
		now := time.Now().UTC()
		claimed, err := q.store.ClaimJob(ctx, job.ID, q.workerID, now)
		if err != nil {
			q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to claim job")
			continue
		}
		if !claimed {
			continue
		}

		job.Status = store.JobRunning
		job.Attempts++
		job.StartedAt = &now
		job.WorkerID = &q.workerID

		runCtx, cancel := context.WithCancel(q.baseCtx)
		q.mu.Lock()
		q.running[job.ID] = &runningJob{job: job, cancel: cancel}
		q.mu.Unlock()

		q.events.publish(q.eventFor(EventStarted, &job, nil))
		go q.runJob(runCtx, job)
	}
}

// runJob executes one claimed job and records its outcome.
func (q *Queue) runJob(ctx context.Context, job store.Job) {
	defer func() {
		q.mu.Lock()
		if r, ok := q.running[job.ID]; ok {
			r.cancel()
			delete(q.running, job.ID)
		}
		delete(q.cancelled, job.ID)
		q.mu.Unlock()
	}()

	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		q.finishFailed(&job, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	run := &Run{Job: job, queue: q}
	err := q.invoke(ctx, handler, run)

	if q.IsCancelled(job.ID) {
		q.finishCancelled(&run.Job)
		return
	}
	if err != nil {
		q.handleFailure(&run.Job, err)
		return
	}
	q.finishCompleted(&run.Job)
}

// invoke calls the handler, converting panics into errors.
func (q *Queue) invoke(ctx context.Context, handler Handler, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			q.logger.Error().
				Int64("jobId", run.Job.ID).
				Str("type", run.Job.Type).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Job handler panicked")
		}
	}()
	return handler(ctx, run)
}

func (q *Queue) finishCompleted(job *store.Job) {
	ctx := context.Background()
	if err := q.store.CompleteJob(ctx, job.ID, job.Result); err != nil {
		q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to mark job completed")
		return
	}
	job.Status = store.JobCompleted
	now := time.Now().UTC()
	job.CompletedAt = &now
	q.events.publish(q.eventFor(EventCompleted, job, nil))
	q.logger.Info().Int64("jobId", job.ID).Str("type", job.Type).Msg("Job completed")

	go q.process(ctx)
}

// finishCancelled resolves a job whose cancel flag was set when the handler
// returned. A user pause wins over a cancel: the store status is re-read and
// a Paused row is left paused.
func (q *Queue) finishCancelled(job *store.Job) {
	ctx := context.Background()
	current, err := q.store.GetJob(ctx, job.ID)
	if err == nil && current.Status == store.JobPaused {
		q.events.publish(q.eventFor(EventProgress, current, nil))
		q.logger.Info().Int64("jobId", job.ID).Str("type", job.Type).Msg("Job paused mid-run")
		return
	}

	if err := q.store.CancelJob(ctx, job.ID, "Cancelled by user"); err != nil {
		q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to mark job cancelled")
		return
	}
	job.Status = store.JobCancelled
	msg := "Cancelled by user"
	job.Error = &msg
	q.events.publish(q.eventFor(EventCancelled, job, &msg))
	q.logger.Info().Int64("jobId", job.ID).Str("type", job.Type).Msg("Job cancelled")
}

// finishFailed fails a job immediately, with no retry. Used for defects that
// more attempts cannot cure, like a job type with no registered handler.
func (q *Queue) finishFailed(job *store.Job, jobErr error) {
	ctx := context.Background()
	msg := jobErr.Error()

	if err := q.store.FailJob(ctx, job.ID, msg); err != nil {
		q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to mark job failed")
		return
	}
	job.Status = store.JobFailed
	job.Error = &msg
	q.events.publish(q.eventFor(EventFailed, job, &msg))
	q.logger.Error().
		Int64("jobId", job.ID).
		Str("type", job.Type).
		Str("error", msg).
		Msg("Job failed permanently")
}

// handleFailure retries with exponential backoff until attempts are spent.
func (q *Queue) handleFailure(job *store.Job, jobErr error) {
	ctx := context.Background()
	msg := jobErr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := time.Duration(math.Pow(2, float64(job.Attempts))) * time.Second
		retryAt := time.Now().Add(delay)
		if err := q.store.RescheduleJob(ctx, job.ID, msg, retryAt); err != nil {
			q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to reschedule job")
			return
		}
		q.logger.Warn().
			Int64("jobId", job.ID).
			Str("type", job.Type).
			Int("attempt", job.Attempts).
			Int("maxAttempts", job.MaxAttempts).
			Dur("retryIn", delay).
			Str("error", msg).
			Msg("Job failed, retrying")
		return
	}

	if err := q.store.FailJob(ctx, job.ID, msg); err != nil {
		q.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to mark job failed")
		return
	}
	job.Status = store.JobFailed
	job.Error = &msg
	q.events.publish(q.eventFor(EventFailed, job, &msg))
	q.logger.Error().
		Int64("jobId", job.ID).
		Str("type", job.Type).
		Str("error", msg).
		Msg("Job failed permanently")
}

// RequestCancel cancels a job: a Pending job terminates immediately, a
// Running one is flagged for cooperative cancellation.
func (q *Queue) RequestCancel(ctx context.Context, id int64) error {
	done, err := q.store.CancelPendingJob(ctx, id, "Cancelled by user")
	if err != nil {
		return err
	}
	if done {
		job, err := q.store.GetJob(ctx, id)
		if err == nil {
			q.events.publish(q.eventFor(EventCancelled, job, job.Error))
		}
		return nil
	}

	if err := q.store.SetCancelRequested(ctx, id); err != nil {
		return err
	}
	q.markCancelled(id)
	return nil
}

// Pause pauses a job. A Running handler observes the cancel flag and exits;
// the completion path then sees the Paused status and leaves it in place.
func (q *Queue) Pause(ctx context.Context, id int64) error {
	if err := q.store.PauseJob(ctx, id); err != nil {
		return err
	}
	q.mu.Lock()
	_, isRunning := q.running[id]
	q.mu.Unlock()
	if isRunning {
		q.markCancelled(id)
	}
	return nil
}

// Resume moves a Paused job back to Pending.
func (q *Queue) Resume(ctx context.Context, id int64) error {
	resumed, err := q.store.ResumeJob(ctx, id)
	if err != nil {
		return err
	}
	if !resumed {
		return fmt.Errorf("job %d is not paused", id)
	}
	go q.process(context.Background())
	return nil
}

// IsCancelled reports whether a cancel or pause was requested for the job.
func (q *Queue) IsCancelled(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[id]
	return ok
}

func (q *Queue) markCancelled(id int64) {
	q.mu.Lock()
	r, running := q.running[id]
	q.cancelled[id] = struct{}{}
	q.mu.Unlock()
	if running {
		r.cancel()
	}
}

// heartbeat refreshes job and worker heartbeats and pulls cross-process
// cancel and pause signals into the in-memory set.
func (q *Queue) heartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	if err := q.store.TouchHeartbeats(ctx, q.workerID, now); err != nil {
		return fmt.Errorf("failed to touch job heartbeats: %w", err)
	}
	if err := q.store.TouchWorker(ctx, q.workerID, now); err != nil {
		return fmt.Errorf("failed to touch worker heartbeat: %w", err)
	}

	ids, err := q.store.ListCancelRequested(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cancel requests: %w", err)
	}
	for _, id := range ids {
		q.markCancelled(id)
	}

	// A pause issued by another process shows up as a Paused row we still
	// own; surface it to the handler as a cancel signal.
	paused, err := q.store.ListJobsByStatus(ctx, store.JobPaused)
	if err != nil {
		return fmt.Errorf("failed to list paused jobs: %w", err)
	}
	q.mu.Lock()
	var pausedRunning []int64
	for _, job := range paused {
		if _, ok := q.running[job.ID]; ok {
			pausedRunning = append(pausedRunning, job.ID)
		}
	}
	q.mu.Unlock()
	for _, id := range pausedRunning {
		q.markCancelled(id)
	}
	return nil
}

// reapWorkers marks dead workers stopped and re-pends their running jobs.
func (q *Queue) reapWorkers(ctx context.Context) error {
	stale, err := q.store.ListStaleWorkers(ctx, time.Now().Add(-workerStaleAfter))
	if err != nil {
		return fmt.Errorf("failed to list stale workers: %w", err)
	}

	for _, w := range stale {
		if w.ID == q.workerID {
			continue
		}
		n, err := q.store.ResetJobsForWorker(ctx, w.ID)
		if err != nil {
			q.logger.Error().Err(err).Str("workerId", w.ID).Msg("Failed to reset jobs for dead worker")
			continue
		}
		if err := q.store.StopWorker(ctx, w.ID); err != nil {
			q.logger.Error().Err(err).Str("workerId", w.ID).Msg("Failed to stop dead worker")
			continue
		}
		q.logger.Warn().
			Str("workerId", w.ID).
			Time("lastHeartbeat", w.LastHeartbeat).
			Int64("reclaimedJobs", n).
			Msg("Reaped stale worker")
	}
	return nil
}

// Stats returns queue counts for observability.
func (q *Queue) Stats(ctx context.Context) (*store.JobStats, error) {
	return q.store.JobStatsSnapshot(ctx)
}

// RunningCount returns the number of in-flight handlers on this worker.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *Queue) eventFor(kind EventType, job *store.Job, errMsg *string) Event {
	percent := 0
	if job.ProgressTotal > 0 {
		percent = int(float64(job.ProgressCurrent) / float64(job.ProgressTotal) * 100)
	}
	return Event{
		Event:       kind,
		ID:          job.ID,
		Type:        job.Type,
		Status:      string(job.Status),
		Percent:     percent,
		Current:     job.ProgressCurrent,
		Total:       job.ProgressTotal,
		RequestID:   job.RequestID,
		ParentJobID: job.ParentJobID,
		DedupeKey:   job.DedupeKey,
		Error:       errMsg,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}
