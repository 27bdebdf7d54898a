package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/store"
)

// handleEncode runs one ENCODE step for one delivery target. Transcoding
// itself is out of scope: the step resolves the output artifact path for
// the target's encoding profile and hands off to DELIVER.
func (e *Executor) handleEncode(ctx context.Context, run *queue.Run) error {
	var p EncodePayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}
	if run.Cancelled() {
		return nil
	}

	outputPath := encodeOutputPath(p.SourcePath, p.EncodingProfileID)
	e.logger.Info().
		Int64("requestId", p.RequestID).
		Str("server", p.ServerID).
		Str("output", outputPath).
		Msg("Encode step complete")

	if err := run.SetResult(map[string]string{"outputPath": outputPath}); err != nil {
		return err
	}

	// First target to finish encoding flips the request to Delivering.
	if _, err := e.store.TransitionRequestStatus(ctx, p.RequestID,
		[]store.RequestStatus{store.RequestEncoding},
		store.RequestDelivering, "Delivering to targets"); err != nil {
		return err
	}
	if p.ItemID != nil {
		if err := e.store.UpdateItemStatus(ctx, *p.ItemID, store.ItemDelivering); err != nil {
			return err
		}
	}

	key := fmt.Sprintf("%s:%d:%s", TypeDeliver, p.RequestID, p.ServerID)
	if p.ItemID != nil {
		key = fmt.Sprintf("%s:%d:%d:%s", TypeDeliver, p.RequestID, *p.ItemID, p.ServerID)
	}
	_, err = e.queue.AddIfNotExists(ctx, TypeDeliver, DeliverPayload{
		RequestID:  p.RequestID,
		ItemID:     p.ItemID,
		ServerID:   p.ServerID,
		OutputPath: outputPath,
	}, key, queue.Options{Priority: 4, RequestID: &p.RequestID})
	return err
}

// encodeOutputPath derives the delivered artifact path from the source and
// the target's encoding profile.
func encodeOutputPath(sourcePath string, profileID *string) string {
	if profileID == nil || *profileID == "" {
		return sourcePath
	}
	ext := filepath.Ext(sourcePath)
	return strings.TrimSuffix(sourcePath, ext) + "." + *profileID + ext
}

// handleDeliver ships one artifact to one target server and triggers a
// library scan, then re-checks whether the request can settle.
func (e *Executor) handleDeliver(ctx context.Context, run *queue.Run) error {
	var p DeliverPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}

	server, ok := e.server(p.ServerID)
	if !ok {
		// Unknown target is permanent; no retry will make it appear.
		e.logger.Error().Str("server", p.ServerID).Int64("requestId", p.RequestID).Msg("Delivery target not configured")
		return fmt.Errorf("delivery target %q not configured", p.ServerID)
	}

	if err := server.TriggerScan(ctx); err != nil {
		return fmt.Errorf("failed to trigger library scan on %s: %w", p.ServerID, err)
	}

	e.logger.Info().
		Int64("requestId", p.RequestID).
		Str("server", p.ServerID).
		Str("path", p.OutputPath).
		Msg("Delivered to target")

	// The completion event re-checks whether the request can settle.
	return run.SetResult(map[string]string{"serverId": p.ServerID, "path": p.OutputPath})
}

// targetKey identifies one delivery obligation: a server, optionally scoped
// to an episode item.
type targetKey struct {
	serverID string
	itemID   int64 // 0 for movie-level targets
}

// checkDeliveryComplete settles the request once every delivery obligation
// has a terminal outcome: at least one success completes it, none fails it.
func (e *Executor) checkDeliveryComplete(ctx context.Context, requestID int64) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}

	jobs, err := e.store.ListJobsForRequest(ctx, requestID)
	if err != nil {
		return err
	}

	// Per target: delivered if a deliver job completed; dead if the encode
	// or deliver job exhausted its retries; otherwise still in flight.
	delivered := make(map[targetKey]bool)
	dead := make(map[targetKey]bool)
	pending := make(map[targetKey]bool)
	items := make(map[targetKey]int64)

	for _, job := range jobs {
		if job.Type != TypeEncode && job.Type != TypeDeliver {
			continue
		}
		var p DeliverPayload // EncodePayload shares the fields read here
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			continue
		}
		key := targetKey{serverID: p.ServerID}
		if p.ItemID != nil {
			key.itemID = *p.ItemID
			items[key] = *p.ItemID
		}

		switch {
		case job.Type == TypeDeliver && job.Status == store.JobCompleted:
			delivered[key] = true
		case job.Status == store.JobFailed || job.Status == store.JobCancelled:
			dead[key] = true
		case !job.Status.IsTerminal():
			pending[key] = true
		}
	}

	if len(pending) > 0 {
		return nil
	}

	// Settle episode items first; the series request derives from them.
	for key, itemID := range items {
		status := store.ItemFailed
		if delivered[key] && !dead[key] {
			status = store.ItemComplete
		}
		if err := e.store.UpdateItemStatus(ctx, itemID, status); err != nil {
			return err
		}
	}

	if req.Kind == store.KindSeries {
		return e.checkSeriesComplete(ctx, req)
	}

	succeeded := 0
	for key := range delivered {
		if !dead[key] {
			succeeded++
		}
	}
	if succeeded > 0 {
		e.logger.Info().Int64("requestId", requestID).Int("targets", succeeded).Msg("Request complete")
		return e.store.UpdateRequestStatus(ctx, requestID, store.RequestComplete, "Delivered")
	}
	return e.ReportFailure(ctx, requestID, fmt.Errorf("all delivery targets failed"))
}

// checkSeriesComplete settles a series request once every item is terminal.
func (e *Executor) checkSeriesComplete(ctx context.Context, req *store.MediaRequest) error {
	outstanding, err := e.store.CountItemsNotInStatus(ctx, req.ID, store.ItemComplete, store.ItemFailed)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	items, err := e.store.ListItemsForRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	completed := 0
	for _, item := range items {
		if item.Status == store.ItemComplete {
			completed++
		}
	}
	if completed > 0 {
		e.logger.Info().
			Int64("requestId", req.ID).
			Int("episodes", completed).
			Int("total", len(items)).
			Msg("Series request complete")
		return e.store.UpdateRequestStatus(ctx, req.ID, store.RequestComplete,
			fmt.Sprintf("%d of %d episodes delivered", completed, len(items)))
	}
	return e.ReportFailure(ctx, req.ID, fmt.Errorf("no episode could be delivered"))
}
