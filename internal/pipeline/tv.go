package pipeline

import (
	"context"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
)

// seasonEpisode keys one discovered episode.
type seasonEpisode struct {
	season  int
	episode int
}

// handleTVSearch runs the series SEARCH step. Episodes are discovered from
// the indexer results themselves: every parseable SxxEyy release becomes an
// episode candidate, Sxx-only releases become season-pack candidates. A
// season pack is preferred when it scores at least as high as the best
// per-episode candidate of that season.
func (e *Executor) handleTVSearch(ctx context.Context, run *queue.Run) error {
	var p StepPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestSearching {
		return nil
	}

	result, err := e.searchIndexers(ctx, req, nil)
	if err != nil {
		return err
	}
	if run.Cancelled() {
		return nil
	}

	packs, episodes := groupByEpisode(result.Releases)

	items, err := e.ensureEpisodeItems(ctx, req.ID, episodes)
	if err != nil {
		return err
	}

	constraints := e.constraintsFor(req)
	enqueued := 0

	for season, actionable := range actionableBySeason(items) {
		n, err := e.dispatchSeason(ctx, req, season, actionable, packs[season], episodes, constraints)
		if err != nil {
			return err
		}
		enqueued += n
	}

	if enqueued > 0 {
		_, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestSearching},
			store.RequestDownloading,
			fmt.Sprintf("Downloading %d release(s)", enqueued))
		return err
	}

	outstanding, err := e.store.CountItemsNotInStatus(ctx, req.ID, store.ItemComplete, store.ItemFailed)
	if err != nil {
		return err
	}
	if outstanding > 0 || len(items) == 0 {
		_, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestSearching},
			store.RequestAwaiting, "No downloadable episodes yet, will retry")
		return err
	}
	// Every item already settled (a re-check found nothing new).
	return e.checkSeriesComplete(ctx, req)
}

func groupByEpisode(releases []release.Release) (map[int][]release.Release, map[seasonEpisode][]release.Release) {
	packs := make(map[int][]release.Release)
	episodes := make(map[seasonEpisode][]release.Release)
	for _, r := range releases {
		season, episode, ok := release.ParseEpisode(r.Title)
		if !ok {
			continue
		}
		if episode == 0 {
			packs[season] = append(packs[season], r)
			continue
		}
		key := seasonEpisode{season: season, episode: episode}
		episodes[key] = append(episodes[key], r)
	}
	return packs, episodes
}

// ensureEpisodeItems creates items for newly discovered episodes and returns
// the full item set.
func (e *Executor) ensureEpisodeItems(ctx context.Context, requestID int64, episodes map[seasonEpisode][]release.Release) ([]store.ProcessingItem, error) {
	items, err := e.store.ListItemsForRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	known := make(map[seasonEpisode]bool, len(items))
	for _, item := range items {
		if item.Episode != nil {
			known[seasonEpisode{season: item.Season, episode: *item.Episode}] = true
		}
	}

	created := false
	for key := range episodes {
		if known[key] {
			continue
		}
		ep := key.episode
		if _, err := e.store.CreateItem(ctx, requestID, key.season, &ep); err != nil {
			return nil, err
		}
		created = true
	}

	if created {
		return e.store.ListItemsForRequest(ctx, requestID)
	}
	return items, nil
}

// actionableBySeason groups items still needing a download by season.
func actionableBySeason(items []store.ProcessingItem) map[int][]store.ProcessingItem {
	out := make(map[int][]store.ProcessingItem)
	for _, item := range items {
		if item.Episode == nil {
			continue
		}
		if item.Status == store.ItemNew || item.Status == store.ItemAwaiting {
			out[item.Season] = append(out[item.Season], item)
		}
	}
	return out
}

// dispatchSeason picks a season pack or per-episode releases for one season
// and enqueues the download jobs. Returns the number of jobs enqueued.
func (e *Executor) dispatchSeason(ctx context.Context, req *store.MediaRequest, season int, actionable []store.ProcessingItem, packCandidates []release.Release, episodes map[seasonEpisode][]release.Release, constraints release.Constraints) (int, error) {
	packSel := release.Select(packCandidates, constraints)

	winners := make(map[int64]*release.Release) // item ID -> winner
	bestEpisodeScore := 0
	for _, item := range actionable {
		key := seasonEpisode{season: season, episode: *item.Episode}
		sel := release.Select(episodes[key], constraints)
		if sel.Winner != nil {
			winners[item.ID] = sel.Winner
			if sel.Winner.Score > bestEpisodeScore {
				bestEpisodeScore = sel.Winner.Score
			}
			continue
		}
		// Quality gate per episode: park the scored list for override.
		if len(sel.All) > 0 {
			available, err := encodeReleases(sel.All)
			if err != nil {
				return 0, err
			}
			if err := e.store.SetItemQuality(ctx, item.ID, false, available); err != nil {
				return 0, err
			}
		}
		if item.Status == store.ItemNew {
			if err := e.store.UpdateItemStatus(ctx, item.ID, store.ItemAwaiting); err != nil {
				return 0, err
			}
		}
	}

	if packSel.Winner != nil && packSel.Winner.Score >= bestEpisodeScore {
		for _, item := range actionable {
			if err := e.store.UpdateItemStatus(ctx, item.ID, store.ItemDownloading); err != nil {
				return 0, err
			}
		}
		e.logger.Info().
			Int64("requestId", req.ID).
			Int("season", season).
			Str("release", packSel.Winner.Title).
			Int("episodes", len(actionable)).
			Msg("Season pack selected")

		_, err := e.queue.AddIfNotExists(ctx, TypeTVDownloadSeason, SeasonDownloadPayload{
			RequestID: req.ID,
			Season:    season,
			Release:   *packSel.Winner,
		}, fmt.Sprintf("%s:%d:%d", TypeTVDownloadSeason, req.ID, season),
			queue.Options{Priority: 4, RequestID: &req.ID})
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	enqueued := 0
	for _, item := range actionable {
		winner, ok := winners[item.ID]
		if !ok {
			continue
		}
		if err := e.store.UpdateItemStatus(ctx, item.ID, store.ItemDownloading); err != nil {
			return enqueued, err
		}
		_, err := e.queue.AddIfNotExists(ctx, TypeTVDownloadEpisode, EpisodeDownloadPayload{
			RequestID: req.ID,
			ItemID:    item.ID,
			Release:   *winner,
		}, fmt.Sprintf("%s:%d", TypeTVDownloadEpisode, item.ID),
			queue.Options{Priority: 4, RequestID: &req.ID})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// handleTVDownloadSeason downloads a season pack and fans out encodes for
// every episode item of that season.
func (e *Executor) handleTVDownloadSeason(ctx context.Context, run *queue.Run) error {
	var p SeasonDownloadPayload
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

	file, err := e.downloadRelease(ctx, run, &p.Release)
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}

	items, err := e.store.ListItemsForRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	var handedOff []int64
	for _, item := range items {
		if item.Season != p.Season || item.Status != store.ItemDownloading {
			continue
		}
		if err := e.store.UpdateItemStatus(ctx, item.ID, store.ItemEncoding); err != nil {
			return err
		}
		handedOff = append(handedOff, item.ID)
	}
	if err := e.advanceToEncoding(ctx, p.RequestID); err != nil {
		return err
	}
	for _, itemID := range handedOff {
		if err := e.fanOutEncodes(ctx, req, &itemID, file.Path); err != nil {
			return err
		}
	}
	return nil
}

// advanceToEncoding flips the request out of downloading once the last
// downloading item has handed off to the encode step. With several season or
// episode downloads in flight, only the final one moves the request forward.
func (e *Executor) advanceToEncoding(ctx context.Context, requestID int64) error {
	items, err := e.store.ListItemsForRequest(ctx, requestID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status == store.ItemDownloading {
			return nil
		}
	}
	_, err = e.store.TransitionRequestStatus(ctx, requestID,
		[]store.RequestStatus{store.RequestDownloading},
		store.RequestEncoding, "Encoding for delivery targets")
	return err
}

// handleTVDownloadEpisode downloads a single-episode release.
func (e *Executor) handleTVDownloadEpisode(ctx context.Context, run *queue.Run) error {
	var p EpisodeDownloadPayload
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

	file, err := e.downloadRelease(ctx, run, &p.Release)
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}

	if err := e.store.UpdateItemStatus(ctx, p.ItemID, store.ItemEncoding); err != nil {
		return err
	}
	if err := e.advanceToEncoding(ctx, p.RequestID); err != nil {
		return err
	}
	return e.fanOutEncodes(ctx, req, &p.ItemID, file.Path)
}

// handleTVCheckNew re-opens completed series requests so the next search
// can pick up newly published episodes.
func (e *Executor) handleTVCheckNew(ctx context.Context, run *queue.Run) error {
	requests, err := e.store.ListRequestsByStatus(ctx, store.RequestComplete)
	if err != nil {
		return err
	}
	for _, req := range requests {
		if run.Cancelled() {
			return nil
		}
		if req.Kind != store.KindSeries {
			continue
		}
		ok, err := e.store.TransitionRequestStatus(ctx, req.ID,
			[]store.RequestStatus{store.RequestComplete},
			store.RequestSearching, "Checking for new episodes")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := e.enqueueSearch(ctx, &req); err != nil {
			return err
		}
	}
	return nil
}
