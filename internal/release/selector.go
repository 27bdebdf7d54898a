package release

import (
	"math"
	"sort"
)

var resolutionPoints = map[Resolution]int{
	Resolution2160p: 100,
	Resolution1080p: 80,
	Resolution720p:  60,
	Resolution480p:  40,
	ResolutionSD:    20,
}

var sourcePoints = map[Source]int{
	SourceRemux:  50,
	SourceBluRay: 40,
	SourceWebDL:  35,
	SourceWebRip: 30,
	SourceHDTV:   25,
	SourceDVDRip: 15,
	SourceCam:    5,
}

var codecPoints = map[Codec]int{
	CodecAV1:  15,
	CodecHEVC: 12,
	CodecH264: 10,
}

// Score computes the additive quality score for one release.
func Score(r *Release) int {
	score := resolutionPoints[r.Resolution]
	score += sourcePoints[r.Source]
	score += codecPoints[r.Codec]
	score += audioBonus(r.Title)

	if r.Seeders > 0 {
		bonus := int(math.Floor(math.Log10(float64(r.Seeders)) * 5))
		if bonus > 20 {
			bonus = 20
		}
		score += bonus
	}

	score += penalties(r.Title)
	return score
}

// Select scores, deduplicates, filters, and orders candidates, returning the
// full list, the constraint-surviving list, and the winner. It is pure:
// identical input always yields identical output.
func Select(candidates []Release, c Constraints) Result {
	scored := make([]Release, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		Hydrate(&scored[i])
		scored[i].Score = Score(&scored[i])
	}

	scored = dedupe(scored)
	sortReleases(scored)

	eligible := make([]Release, 0, len(scored))
	for _, r := range scored {
		if c.MaxSize > 0 && r.Size > c.MaxSize {
			continue
		}
		if c.MinSeeders > 0 && r.Seeders < c.MinSeeders {
			continue
		}
		if c.RequiredResolution != ResolutionUnknown && r.Resolution.Rank() < c.RequiredResolution.Rank() {
			continue
		}
		eligible = append(eligible, r)
	}

	result := Result{All: scored, Eligible: eligible}
	if len(eligible) == 0 {
		return result
	}

	if c.PreferredResolution != ResolutionUnknown {
		for i := range eligible {
			if eligible[i].Resolution == c.PreferredResolution {
				result.Winner = &eligible[i]
				return result
			}
		}
	}
	result.Winner = &eligible[0]
	return result
}

// dedupe keeps the highest-scoring release per normalized title.
func dedupe(releases []Release) []Release {
	best := make(map[string]int, len(releases))
	out := releases[:0]
	for _, r := range releases {
		key := NormalizeTitle(r.Title)
		if i, seen := best[key]; seen {
			if r.Score > out[i].Score {
				out[i] = r
			}
			continue
		}
		best[key] = len(out)
		out = append(out, r)
	}
	return out
}

// sortReleases orders deterministically: score DESC, publishDate DESC,
// indexerName ASC.
func sortReleases(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		if releases[i].Score != releases[j].Score {
			return releases[i].Score > releases[j].Score
		}
		if !releases[i].PublishDate.Equal(releases[j].PublishDate) {
			return releases[i].PublishDate.After(releases[j].PublishDate)
		}
		return releases[i].IndexerName < releases[j].IndexerName
	})
}
