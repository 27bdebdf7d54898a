package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
)

// handleSearch runs the movie SEARCH step: fan out across indexers, score
// and select, then route to download, approval, quality-unavailable, or
// awaiting depending on what came back.
func (e *Executor) handleSearch(ctx context.Context, run *queue.Run) error {
	var p StepPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestSearching {
		// Stale job: the request moved on (cancelled, overridden) while
		// this search sat in the queue.
		return nil
	}

	result, err := e.searchIndexers(ctx, req, nil)
	if err != nil {
		return err
	}
	if run.Cancelled() {
		return nil
	}

	sel := release.Select(result.Releases, e.constraintsFor(req))
	available, err := encodeReleases(sel.All)
	if err != nil {
		return err
	}

	switch {
	case sel.Winner != nil:
		return e.acceptWinner(ctx, req, sel.Winner, available)

	case len(sel.All) > 0:
		// Releases exist but none meets the quality floor. Park the request
		// with the scored list so an operator can override.
		if err := e.store.SetAvailableReleases(ctx, req.ID, available); err != nil {
			return err
		}
		_, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestSearching},
			store.RequestQualityUnavailable,
			fmt.Sprintf("%d releases found, none meets required quality", len(sel.All)))
		if err != nil {
			return err
		}
		e.logger.Info().Int64("requestId", req.ID).Int("releases", len(sel.All)).Msg("Quality unavailable")
		return nil

	default:
		_, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestSearching},
			store.RequestAwaiting, "No releases found, will retry")
		if err != nil {
			return err
		}
		e.logger.Info().Int64("requestId", req.ID).Msg("No releases found, request awaiting retry")
		return nil
	}
}

// acceptWinner persists the selection and either opens an approval gate or
// moves straight to download.
func (e *Executor) acceptWinner(ctx context.Context, req *store.MediaRequest, winner *release.Release, available *string) error {
	selected, err := json.Marshal(winner)
	if err != nil {
		return fmt.Errorf("failed to encode selected release: %w", err)
	}
	s := string(selected)
	if err := e.store.SetSelectedRelease(ctx, req.ID, &s, available); err != nil {
		return err
	}

	e.logger.Info().
		Int64("requestId", req.ID).
		Str("release", winner.Title).
		Int("score", winner.Score).
		Str("indexer", winner.IndexerName).
		Msg("Release selected")

	if e.cfg.RequireApproval {
		ok, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestSearching},
			store.RequestPendingApproval, "Awaiting approval")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return e.openApproval(ctx, req, winner)
	}

	ok, err := e.store.TransitionRequestStatus(ctx, req.ID,
		[]store.RequestStatus{store.RequestSearching},
		store.RequestDownloading, "Queued for download")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.enqueueDownload(ctx, req.ID)
}

func (e *Executor) openApproval(ctx context.Context, req *store.MediaRequest, winner *release.Release) error {
	e.mu.RLock()
	approvals := e.approvals
	e.mu.RUnlock()
	if approvals == nil {
		return fmt.Errorf("approval gate not configured")
	}

	params := store.CreateApprovalParams{
		RequestID:    req.ID,
		StepOrder:    1,
		Reason:       fmt.Sprintf("Confirm release %q for %s (%d)", winner.Title, req.Title, req.Year),
		RequiredRole: "admin",
		AutoAction:   e.cfg.ApprovalAutoAction,
	}
	if e.cfg.ApprovalTimeoutHours > 0 {
		hours := e.cfg.ApprovalTimeoutHours
		params.TimeoutHours = &hours
	}
	_, err := approvals.Create(ctx, params)
	return err
}

// searchIndexers fans out a query built from the request. The extra query
// suffix narrows series searches to a season or episode.
func (e *Executor) searchIndexers(ctx context.Context, req *store.MediaRequest, seasonEp *indexer.Query) (*indexer.FanoutResult, error) {
	q := indexer.Query{
		Kind:  indexer.KindMovie,
		Query: req.Title,
		Year:  req.Year,
	}
	if req.Kind == store.KindSeries {
		q.Kind = indexer.KindSeries
	}
	if strings.HasPrefix(req.ExternalID, "tt") {
		q.ExternalIDs = map[string]string{"imdb": req.ExternalID}
	}
	if seasonEp != nil {
		q.Season = seasonEp.Season
		q.Episode = seasonEp.Episode
	}

	result, err := e.indexers.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	// Every indexer failing is a transient condition worth a retry; partial
	// failure proceeds with what came back.
	if result.Queried > 0 && result.Failed == result.Queried {
		return nil, fmt.Errorf("all %d indexers failed", result.Queried)
	}
	return result, nil
}

func (e *Executor) constraintsFor(req *store.MediaRequest) release.Constraints {
	c := release.Constraints{}
	if req.RequiredResolution != nil {
		c.RequiredResolution = release.ParseResolution(*req.RequiredResolution)
	}
	return c
}

func encodeReleases(releases []release.Release) (*string, error) {
	if len(releases) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(releases)
	if err != nil {
		return nil, fmt.Errorf("failed to encode releases: %w", err)
	}
	s := string(data)
	return &s, nil
}
