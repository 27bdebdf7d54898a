// Package pipeline drives each media request through its state machine:
// search, optional approval, download, encode, deliver.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/store"
)

// Config tunes executor behavior.
type Config struct {
	// RequireApproval gates every winning release behind a human approval.
	RequireApproval bool
	// ApprovalTimeoutHours is the cooldown before the auto action applies.
	ApprovalTimeoutHours float64
	// ApprovalAutoAction applies when the cooldown elapses.
	ApprovalAutoAction store.AutoAction
	// DownloadPollInterval is the transfer progress polling cadence.
	DownloadPollInterval time.Duration
}

// Executor owns request state transitions. Job handlers call back through
// Advance and ReportFailure; the approval gate calls OnApprovalDecided.
type Executor struct {
	store     *store.Store
	queue     *queue.Queue
	indexers  *indexer.Service
	client    downloader.Client
	limiter   *ratelimit.Limiter
	cfg       Config
	logger    zerolog.Logger

	mu        sync.RWMutex
	servers   map[string]mediaserver.Adapter
	approvals *approval.Service
}

// New creates the executor.
func New(st *store.Store, q *queue.Queue, idx *indexer.Service, client downloader.Client, limiter *ratelimit.Limiter, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.ApprovalAutoAction == "" {
		cfg.ApprovalAutoAction = store.AutoApprove
	}
	if cfg.DownloadPollInterval <= 0 {
		cfg.DownloadPollInterval = 5 * time.Second
	}
	e := &Executor{
		store:    st,
		queue:    q,
		indexers: idx,
		client:   client,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		servers:  make(map[string]mediaserver.Adapter),
	}

	// Job outcomes drive request settlement: a deliver job completing
	// settles one delivery obligation, and a pipeline job exhausting its
	// retries propagates the failure to the request.
	q.Subscribe(e.onJobEvent)
	return e
}

func (e *Executor) onJobEvent(ev queue.Event) {
	if ev.RequestID == nil {
		return
	}
	ctx := context.Background()
	requestID := *ev.RequestID

	switch {
	case ev.Event == queue.EventCompleted && ev.Type == TypeDeliver:
		if err := e.checkDeliveryComplete(ctx, requestID); err != nil {
			e.logger.Error().Err(err).Int64("requestId", requestID).Msg("Delivery completion check failed")
		}

	case ev.Event == queue.EventFailed:
		if err := e.onJobFailed(ctx, ev, requestID); err != nil {
			e.logger.Error().Err(err).Int64("requestId", requestID).Msg("Failed to propagate job failure")
		}
	}
}

// onJobFailed propagates a permanently failed pipeline job to the request
// or episode item it was working for.
func (e *Executor) onJobFailed(ctx context.Context, ev queue.Event, requestID int64) error {
	switch ev.Type {
	case TypeEncode, TypeDeliver:
		return e.checkDeliveryComplete(ctx, requestID)

	case TypeTVDownloadEpisode:
		job, err := e.store.GetJob(ctx, ev.ID)
		if err != nil {
			return err
		}
		var p EpisodeDownloadPayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return err
		}
		if err := e.store.UpdateItemStatus(ctx, p.ItemID, store.ItemFailed); err != nil {
			return err
		}
		req, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		return e.checkSeriesComplete(ctx, req)

	case TypeSearch, TypeTVSearch, TypeDownload, TypeTVDownloadSeason, TypeExecuteStep:
		cause := "job failed"
		if ev.Error != nil {
			cause = *ev.Error
		}
		return e.ReportFailure(ctx, requestID, fmt.Errorf("%s", cause))
	}
	return nil
}

// SetApprovals wires the approval gate after construction (the gate needs
// the executor as its decision callback).
func (e *Executor) SetApprovals(s *approval.Service) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approvals = s
}

// RegisterServer adds a delivery target server.
func (e *Executor) RegisterServer(s mediaserver.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.servers[s.ID()] = s
}

func (e *Executor) server(id string) (mediaserver.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.servers[id]
	return s, ok
}

// RegisterHandlers binds every pipeline job type on the queue.
func (e *Executor) RegisterHandlers() {
	e.queue.RegisterHandler(TypeExecuteStep, e.handleExecuteStep)
	e.queue.RegisterHandler(TypeSearch, e.handleSearch)
	e.queue.RegisterHandler(TypeDownload, e.handleDownload)
	e.queue.RegisterHandler(TypeEncode, e.handleEncode)
	e.queue.RegisterHandler(TypeDeliver, e.handleDeliver)
	e.queue.RegisterHandler(TypeRetryAwaiting, e.handleRetryAwaiting)
	e.queue.RegisterHandler(TypeTVSearch, e.handleTVSearch)
	e.queue.RegisterHandler(TypeTVDownloadSeason, e.handleTVDownloadSeason)
	e.queue.RegisterHandler(TypeTVDownloadEpisode, e.handleTVDownloadEpisode)
	e.queue.RegisterHandler(TypeTVCheckNew, e.handleTVCheckNew)
	e.queue.RegisterHandler(TypeLibrarySync, e.handleLibrarySync)
	e.queue.RegisterHandler(TypeLibrarySyncServer, e.handleLibrarySyncServer)
	e.queue.RegisterHandler(TypeRateLimitCleanup, e.handleRateLimitCleanup)
}

// CreateRequest records a new request and starts its pipeline.
func (e *Executor) CreateRequest(ctx context.Context, p store.CreateRequestParams) (*store.MediaRequest, error) {
	if len(p.Targets) == 0 {
		return nil, fmt.Errorf("request needs at least one delivery target")
	}

	req, err := e.store.CreateRequest(ctx, p)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Int64("requestId", req.ID).
		Str("kind", string(req.Kind)).
		Str("title", req.Title).
		Int("year", req.Year).
		Msg("Request created")

	if err := e.Advance(ctx, req.ID); err != nil {
		return nil, err
	}
	return req, nil
}

// Advance enqueues the per-request dispatcher. The dedupe key serializes
// state transitions: only one execute-step per request at a time.
func (e *Executor) Advance(ctx context.Context, requestID int64) error {
	_, err := e.queue.AddIfNotExists(ctx, TypeExecuteStep,
		StepPayload{RequestID: requestID},
		fmt.Sprintf("%s:%d", TypeExecuteStep, requestID),
		queue.Options{Priority: 5, RequestID: &requestID},
	)
	return err
}

// ReportFailure marks a request failed with the given cause.
func (e *Executor) ReportFailure(ctx context.Context, requestID int64, cause error) error {
	e.logger.Error().Err(cause).Int64("requestId", requestID).Msg("Request failed")
	return e.store.UpdateRequestStatus(ctx, requestID, store.RequestFailed, cause.Error())
}

// CancelRequest cancels a request and its outstanding jobs.
func (e *Executor) CancelRequest(ctx context.Context, requestID int64) error {
	jobs, err := e.store.ListJobsForRequest(ctx, requestID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status.IsTerminal() {
			continue
		}
		if err := e.queue.RequestCancel(ctx, j.ID); err != nil {
			e.logger.Warn().Err(err).Int64("jobId", j.ID).Msg("Failed to cancel request job")
		}
	}
	return e.store.UpdateRequestStatus(ctx, requestID, store.RequestCancelled, "Cancelled by user")
}

// OnApprovalDecided resumes or cancels a request once its approval gate
// resolves. Implements approval.PipelineNotifier.
func (e *Executor) OnApprovalDecided(ctx context.Context, requestID int64, proceed bool) error {
	if !proceed {
		return e.store.UpdateRequestStatus(ctx, requestID, store.RequestCancelled, "Rejected by approver")
	}

	ok, err := e.store.TransitionRequestStatus(ctx, requestID,
		[]store.RequestStatus{store.RequestPendingApproval},
		store.RequestDownloading, "Queued for download")
	if err != nil {
		return err
	}
	if !ok {
		// Already advanced (or cancelled meanwhile); nothing to do.
		return nil
	}
	return e.enqueueDownload(ctx, requestID)
}

// OverrideSelection replaces the selected release with another entry from
// the scored list and restarts the approval cooldown.
func (e *Executor) OverrideSelection(ctx context.Context, requestID int64, selected json.RawMessage) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestPendingApproval {
		return fmt.Errorf("request %d has no pending approval", requestID)
	}

	s := string(selected)
	if err := e.store.SetSelectedRelease(ctx, requestID, &s, req.AvailableReleases); err != nil {
		return err
	}

	ap, err := e.store.GetPendingApprovalForRequest(ctx, requestID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	approvals := e.approvals
	e.mu.RUnlock()
	if approvals == nil {
		return fmt.Errorf("approval gate not configured")
	}
	return approvals.ResetCooldown(ctx, ap.ID)
}

// handleExecuteStep inspects the request state and enqueues the next
// concrete job. Replaying it is idempotent: it either no-ops or produces
// the same enqueue (deduped) as the first run.
func (e *Executor) handleExecuteStep(ctx context.Context, run *queue.Run) error {
	var p StepPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}

	switch req.Status {
	case store.RequestNew, store.RequestAwaiting:
		ok, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestNew, store.RequestAwaiting},
			store.RequestSearching, "Searching indexers")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return e.enqueueSearch(ctx, req)

	case store.RequestDownloading:
		if req.Kind == store.KindMovie {
			return e.enqueueDownload(ctx, req.ID)
		}
		return nil

	case store.RequestSearching, store.RequestQualityUnavailable, store.RequestPendingApproval,
		store.RequestEncoding, store.RequestDelivering:
		// In-flight or waiting on an external signal; nothing to enqueue.
		return nil

	default:
		return nil
	}
}

func (e *Executor) enqueueSearch(ctx context.Context, req *store.MediaRequest) error {
	jobType := TypeSearch
	if req.Kind == store.KindSeries {
		jobType = TypeTVSearch
	}
	_, err := e.queue.AddIfNotExists(ctx, jobType,
		StepPayload{RequestID: req.ID},
		fmt.Sprintf("%s:%d", jobType, req.ID),
		queue.Options{Priority: 3, RequestID: &req.ID},
	)
	return err
}

func (e *Executor) enqueueDownload(ctx context.Context, requestID int64) error {
	_, err := e.queue.AddIfNotExists(ctx, TypeDownload,
		StepPayload{RequestID: requestID},
		fmt.Sprintf("%s:%d", TypeDownload, requestID),
		queue.Options{Priority: 4, RequestID: &requestID},
	)
	return err
}

// handleRetryAwaiting re-runs SEARCH for every request stuck in Awaiting.
// Scheduled on the retry cadence (default 6h, tunable via settings).
func (e *Executor) handleRetryAwaiting(ctx context.Context, run *queue.Run) error {
	requests, err := e.store.ListRequestsByStatus(ctx, store.RequestAwaiting)
	if err != nil {
		return err
	}
	for _, req := range requests {
		if run.Cancelled() {
			return nil
		}
		if err := e.Advance(ctx, req.ID); err != nil {
			e.logger.Error().Err(err).Int64("requestId", req.ID).Msg("Failed to re-arm awaiting request")
		}
	}
	if len(requests) > 0 {
		e.logger.Info().Int("requests", len(requests)).Msg("Re-armed awaiting requests")
	}
	return nil
}

// handleRateLimitCleanup drops idle token buckets.
func (e *Executor) handleRateLimitCleanup(ctx context.Context, run *queue.Run) error {
	e.limiter.Cleanup(30 * time.Minute)
	return nil
}
