// Package downloader defines the narrow contract the pipeline needs from a
// download client, plus a mock implementation for tests and development.
package downloader

import "context"

// State is the download client's view of a transfer.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateStalled     State = "stalled"
	StateChecking    State = "checking"
	StateExtracting  State = "extracting"
	StateComplete    State = "complete"
	StateSeeding     State = "seeding"
	StatePaused      State = "paused"
	StateError       State = "error"
	StateUnknown     State = "unknown"
)

// Finished reports whether the transfer has all bytes on disk.
func (s State) Finished() bool {
	return s == StateComplete || s == StateSeeding
}

// AddOptions tune a new transfer.
type AddOptions struct {
	Category string
	Paused   bool
}

// Progress is a snapshot of one transfer.
type Progress struct {
	State           State   `json:"state"`
	ProgressPct     float64 `json:"progressPct"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	ETASec          int64   `json:"etaSec"`
	Speed           int64   `json:"speed"`
	IsComplete      bool    `json:"isComplete"`
	Error           string  `json:"error,omitempty"`
}

// VideoFile is the resolved main media file of a finished transfer.
type VideoFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Client is the download-client contract the pipeline consumes.
type Client interface {
	// Add submits a transfer by URL or magnet and returns the client hash.
	Add(ctx context.Context, urlOrMagnet string, opts AddOptions) (string, error)
	GetProgress(ctx context.Context, clientHash string) (*Progress, error)
	GetMainVideoFile(ctx context.Context, clientHash string) (*VideoFile, error)
	Pause(ctx context.Context, clientHash string) error
	Resume(ctx context.Context, clientHash string) error
	Delete(ctx context.Context, clientHash string, removeData bool) error
}
