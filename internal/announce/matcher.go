// Package announce implements the push-style release discovery channels:
// an RSS poller and an IRC listener. Both feed every announcement through
// the same match pipeline, which can short-circuit SEARCH for waiting
// requests.
package announce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
)

// Pipeline is the narrow executor surface the match pipeline drives.
type Pipeline interface {
	AcceptMovieAnnounce(ctx context.Context, requestID int64, rel release.Release) error
	AcceptEpisodeAnnounce(ctx context.Context, requestID, itemID int64, rel release.Release) error
	AcceptSeasonAnnounce(ctx context.Context, requestID int64, season int, rel release.Release) error
}

// Matcher runs announced releases against waiting requests.
type Matcher struct {
	store    *store.Store
	pipeline Pipeline
	logger   zerolog.Logger
}

// NewMatcher creates the shared match pipeline.
func NewMatcher(st *store.Store, p Pipeline, logger zerolog.Logger) *Matcher {
	return &Matcher{
		store:    st,
		pipeline: p,
		logger:   logger.With().Str("component", "announce").Logger(),
	}
}

// HandleRelease matches one announced release against every request in
// Awaiting or QualityUnavailable and, on a hit, injects it into the
// pipeline. Returns true when the release matched something.
func (m *Matcher) HandleRelease(ctx context.Context, rel release.Release) (bool, error) {
	release.Hydrate(&rel)

	requests, err := m.store.ListRequestsByStatus(ctx,
		store.RequestAwaiting, store.RequestQualityUnavailable)
	if err != nil {
		return false, fmt.Errorf("failed to list waiting requests: %w", err)
	}

	for _, req := range requests {
		matched, err := m.matchOne(ctx, &req, rel)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) matchOne(ctx context.Context, req *store.MediaRequest, rel release.Release) (bool, error) {
	if !TitleMatches(req.Title, rel.Title) {
		return false, nil
	}
	if !resolutionMeets(req.RequiredResolution, rel.Resolution) {
		m.logger.Debug().
			Int64("requestId", req.ID).
			Str("release", rel.Title).
			Msg("Announce matched title but fails quality gate")
		return false, nil
	}

	if req.Kind == store.KindMovie {
		if !yearMatches(req.Year, rel.Title) {
			return false, nil
		}
		m.logger.Info().Int64("requestId", req.ID).Str("release", rel.Title).Msg("Announce matched movie")
		return true, m.pipeline.AcceptMovieAnnounce(ctx, req.ID, rel)
	}

	season, episode, ok := release.ParseEpisode(rel.Title)
	if !ok {
		return false, nil
	}

	if episode == 0 {
		m.logger.Info().
			Int64("requestId", req.ID).
			Int("season", season).
			Str("release", rel.Title).
			Msg("Announce matched season pack")
		return true, m.pipeline.AcceptSeasonAnnounce(ctx, req.ID, season, rel)
	}

	items, err := m.store.ListItemsForRequest(ctx, req.ID)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.Episode == nil || item.Season != season || *item.Episode != episode {
			continue
		}
		if item.Status != store.ItemNew && item.Status != store.ItemAwaiting {
			return false, nil
		}
		m.logger.Info().
			Int64("requestId", req.ID).
			Int64("itemId", item.ID).
			Str("release", rel.Title).
			Msg("Announce matched episode")
		return true, m.pipeline.AcceptEpisodeAnnounce(ctx, req.ID, item.ID, rel)
	}
	return false, nil
}

// TitleMatches reports whether a release title starts with the request
// title, compared in normalized form.
func TitleMatches(requestTitle, releaseTitle string) bool {
	want := release.NormalizeTitle(requestTitle)
	if want == "" {
		return false
	}
	return strings.HasPrefix(release.NormalizeTitle(releaseTitle), want)
}

func yearMatches(year int, releaseTitle string) bool {
	if year == 0 {
		return true
	}
	return strings.Contains(releaseTitle, fmt.Sprint(year))
}

func resolutionMeets(required *string, got release.Resolution) bool {
	if required == nil || *required == "" {
		return true
	}
	want := release.ParseResolution(*required)
	return got.Rank() >= want.Rank()
}
