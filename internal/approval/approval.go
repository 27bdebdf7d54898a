// Package approval implements the human decision gate between search and
// download, including the cooldown timeout that applies an automatic action.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/store"
)

// CheckInterval is the cadence of the timeout sweep task.
const CheckInterval = 5 * time.Minute

// timeoutActor is recorded as the processor of auto-applied decisions.
const timeoutActor = "system:timeout"

// PipelineNotifier is the narrow callback the gate uses to resume or cancel
// a request once a decision lands.
type PipelineNotifier interface {
	// OnApprovalDecided is called with proceed=true for approve/skip
	// decisions and proceed=false for rejections.
	OnApprovalDecided(ctx context.Context, requestID int64, proceed bool) error
}

// Listener receives approval lifecycle notifications.
type Listener func(store.Approval)

// Service manages approval rows and their cooldown timeouts.
type Service struct {
	store    *store.Store
	notifier PipelineNotifier
	logger   zerolog.Logger

	mu          sync.RWMutex
	onNew       []Listener
	onProcessed []Listener
}

// NewService creates the approval gate.
func NewService(st *store.Store, notifier PipelineNotifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "approval").Logger(),
	}
}

// OnNewApproval subscribes to approval creation.
func (s *Service) OnNewApproval(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNew = append(s.onNew, fn)
}

// OnApprovalProcessed subscribes to approval decisions.
func (s *Service) OnApprovalProcessed(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProcessed = append(s.onProcessed, fn)
}

func (s *Service) notify(listeners []Listener, a store.Approval) {
	s.mu.RLock()
	subs := make([]Listener, len(listeners))
	copy(subs, listeners)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(a)
	}
}

// Create opens a pending approval on a request.
func (s *Service) Create(ctx context.Context, p store.CreateApprovalParams) (*store.Approval, error) {
	ap, err := s.store.CreateApproval(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	event := s.logger.Info().
		Int64("approvalId", ap.ID).
		Int64("requestId", ap.RequestID).
		Str("reason", ap.Reason)
	if ap.TimeoutHours != nil {
		event = event.Float64("timeoutHours", *ap.TimeoutHours).Str("autoAction", string(ap.AutoAction))
	}
	event.Msg("Approval created")

	s.notify(s.onNew, *ap)
	return ap, nil
}

// Process applies a user decision. Approve advances the request; reject
// cancels it. Processing an already-decided approval fails.
func (s *Service) Process(ctx context.Context, id int64, approve bool, processedBy string, comment *string) error {
	status := store.ApprovalRejected
	if approve {
		status = store.ApprovalApproved
	}

	ok, err := s.store.ProcessApproval(ctx, id, status, processedBy, comment)
	if err != nil {
		return fmt.Errorf("failed to process approval: %w", err)
	}
	if !ok {
		return fmt.Errorf("approval %d is not pending", id)
	}

	ap, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("approvalId", id).
		Int64("requestId", ap.RequestID).
		Str("status", string(status)).
		Str("processedBy", processedBy).
		Msg("Approval processed")
	s.notify(s.onProcessed, *ap)

	return s.notifier.OnApprovalDecided(ctx, ap.RequestID, approve)
}

// ResetCooldown restarts the timeout window on a pending approval. Called
// when the user overrides the selected release during the cooldown.
func (s *Service) ResetCooldown(ctx context.Context, id int64) error {
	if err := s.store.ResetApprovalClock(ctx, id, time.Now()); err != nil {
		return fmt.Errorf("failed to reset approval cooldown: %w", err)
	}
	s.logger.Info().Int64("approvalId", id).Msg("Approval cooldown reset")
	return nil
}

// CheckTimeouts applies the auto action to every pending approval whose
// cooldown has elapsed. Registered as a scheduled task.
func (s *Service) CheckTimeouts(ctx context.Context) error {
	pending, err := s.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}

	now := time.Now().UTC()
	for _, ap := range pending {
		if ap.TimeoutHours == nil {
			continue
		}
		deadline := ap.CreatedAt.Add(time.Duration(*ap.TimeoutHours * float64(time.Hour)))
		if now.Before(deadline) {
			continue
		}

		status, proceed := autoStatus(ap.AutoAction)
		ok, err := s.store.ProcessApproval(ctx, ap.ID, status, timeoutActor, nil)
		if err != nil {
			s.logger.Error().Err(err).Int64("approvalId", ap.ID).Msg("Failed to apply approval timeout")
			continue
		}
		if !ok {
			continue
		}

		s.logger.Info().
			Int64("approvalId", ap.ID).
			Int64("requestId", ap.RequestID).
			Str("autoAction", string(ap.AutoAction)).
			Msg("Approval timed out, auto action applied")

		processed, err := s.store.GetApproval(ctx, ap.ID)
		if err == nil {
			s.notify(s.onProcessed, *processed)
		}

		if err := s.notifier.OnApprovalDecided(ctx, ap.RequestID, proceed); err != nil {
			s.logger.Error().Err(err).Int64("requestId", ap.RequestID).Msg("Failed to advance request after timeout")
		}
	}
	return nil
}

func autoStatus(action store.AutoAction) (store.ApprovalStatus, bool) {
	switch action {
	case store.AutoApprove:
		return store.ApprovalApproved, true
	case store.AutoSkip:
		return store.ApprovalSkipped, true
	default:
		return store.ApprovalRejected, false
	}
}
