package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
)

// announceSources are the request states an announce may upgrade.
var announceSources = []store.RequestStatus{store.RequestAwaiting, store.RequestQualityUnavailable}

// AcceptMovieAnnounce short-circuits SEARCH for a waiting movie request:
// the announced release becomes the selection and download starts directly.
func (e *Executor) AcceptMovieAnnounce(ctx context.Context, requestID int64, rel release.Release) error {
	selected, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("failed to encode announced release: %w", err)
	}

	// A downloading request always has its selection on record: the release
	// and the status move in one write.
	ok, err := e.store.TransitionRequestWithSelection(ctx, requestID, announceSources,
		store.RequestDownloading, string(selected), fmt.Sprintf("Announce matched: %s", rel.Title))
	if err != nil {
		return err
	}
	if !ok {
		// The request settled or started downloading in the meantime.
		return nil
	}

	e.logger.Info().
		Int64("requestId", requestID).
		Str("release", rel.Title).
		Msg("Movie request upgraded by announce")
	return e.enqueueDownload(ctx, requestID)
}

// AcceptEpisodeAnnounce starts a single-episode download for an announced
// release matching one waiting episode item.
func (e *Executor) AcceptEpisodeAnnounce(ctx context.Context, requestID, itemID int64, rel release.Release) error {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status != store.ItemNew && item.Status != store.ItemAwaiting {
		return nil
	}

	if _, err := e.store.TransitionRequestStatus(ctx, requestID, announceSources,
		store.RequestDownloading, fmt.Sprintf("Announce matched: %s", rel.Title)); err != nil {
		return err
	}
	if err := e.store.UpdateItemStatus(ctx, itemID, store.ItemDownloading); err != nil {
		return err
	}

	e.logger.Info().
		Int64("requestId", requestID).
		Int64("itemId", itemID).
		Str("release", rel.Title).
		Msg("Episode upgraded by announce")

	_, err = e.queue.AddIfNotExists(ctx, TypeTVDownloadEpisode, EpisodeDownloadPayload{
		RequestID: requestID,
		ItemID:    itemID,
		Release:   rel,
	}, fmt.Sprintf("%s:%d", TypeTVDownloadEpisode, itemID),
		queue.Options{Priority: 4, RequestID: &requestID})
	return err
}

// AcceptSeasonAnnounce starts a season-pack download covering every waiting
// episode item of the announced season.
func (e *Executor) AcceptSeasonAnnounce(ctx context.Context, requestID int64, season int, rel release.Release) error {
	items, err := e.store.ListItemsForRequest(ctx, requestID)
	if err != nil {
		return err
	}

	waiting := 0
	for _, item := range items {
		if item.Season != season {
			continue
		}
		if item.Status != store.ItemNew && item.Status != store.ItemAwaiting {
			continue
		}
		if err := e.store.UpdateItemStatus(ctx, item.ID, store.ItemDownloading); err != nil {
			return err
		}
		waiting++
	}
	if waiting == 0 {
		return nil
	}

	if _, err := e.store.TransitionRequestStatus(ctx, requestID, announceSources,
		store.RequestDownloading, fmt.Sprintf("Announce matched: %s", rel.Title)); err != nil {
		return err
	}

	e.logger.Info().
		Int64("requestId", requestID).
		Int("season", season).
		Int("episodes", waiting).
		Str("release", rel.Title).
		Msg("Season upgraded by announce")

	_, err = e.queue.AddIfNotExists(ctx, TypeTVDownloadSeason, SeasonDownloadPayload{
		RequestID: requestID,
		Season:    season,
		Release:   rel,
	}, fmt.Sprintf("%s:%d:%d", TypeTVDownloadSeason, requestID, season),
		queue.Options{Priority: 4, RequestID: &requestID})
	return err
}
