package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/release"
)

// Job types driven by the executor. Payloads are tagged by job type: one
// variant per handler, persisted as opaque JSON and decoded at dispatch.
const (
	TypeExecuteStep       = "pipeline:execute-step"
	TypeSearch            = "pipeline:search"
	TypeDownload          = "pipeline:download"
	TypeEncode            = "pipeline:encode"
	TypeDeliver           = "pipeline:deliver"
	TypeRetryAwaiting     = "pipeline:retry-awaiting"
	TypeTVSearch          = "tv:search"
	TypeTVDownloadSeason  = "tv:download-season"
	TypeTVDownloadEpisode = "tv:download-episode"
	TypeTVCheckNew        = "tv:check-new-episodes"
	TypeLibrarySync       = "library:sync"
	TypeLibrarySyncServer = "library:sync-server"
	TypeRateLimitCleanup  = "ratelimit:cleanup"
)

// StepPayload drives the per-request dispatcher and the movie search and
// download handlers.
type StepPayload struct {
	RequestID int64 `json:"requestId"`
}

// EncodePayload runs one encode for one delivery target.
type EncodePayload struct {
	RequestID         int64   `json:"requestId"`
	ItemID            *int64  `json:"itemId,omitempty"`
	ServerID          string  `json:"serverId"`
	EncodingProfileID *string `json:"encodingProfileId,omitempty"`
	SourcePath        string  `json:"sourcePath"`
}

// DeliverPayload ships one encoded artifact to one target server.
type DeliverPayload struct {
	RequestID  int64  `json:"requestId"`
	ItemID     *int64 `json:"itemId,omitempty"`
	ServerID   string `json:"serverId"`
	OutputPath string `json:"outputPath"`
}

// SeasonDownloadPayload downloads a season pack covering every episode item
// of one season.
type SeasonDownloadPayload struct {
	RequestID int64           `json:"requestId"`
	Season    int             `json:"season"`
	Release   release.Release `json:"release"`
}

// EpisodeDownloadPayload downloads a single-episode release.
type EpisodeDownloadPayload struct {
	RequestID int64           `json:"requestId"`
	ItemID    int64           `json:"itemId"`
	Release   release.Release `json:"release"`
}

// SyncServerPayload hydrates one media server's library.
type SyncServerPayload struct {
	ServerID string `json:"serverId"`
}

func decodePayload(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}
