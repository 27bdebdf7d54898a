// Package release implements candidate release parsing, scoring, and
// selection shared by the search path and the announce path.
package release

import "time"

// Resolution is the detected video resolution class.
type Resolution string

const (
	Resolution2160p   Resolution = "2160p"
	Resolution1080p   Resolution = "1080p"
	Resolution720p    Resolution = "720p"
	Resolution480p    Resolution = "480p"
	ResolutionSD      Resolution = "SD"
	ResolutionUnknown Resolution = ""
)

// Rank orders resolutions for required-minimum comparisons.
func (r Resolution) Rank() int {
	switch r {
	case Resolution2160p:
		return 5
	case Resolution1080p:
		return 4
	case Resolution720p:
		return 3
	case Resolution480p:
		return 2
	case ResolutionSD:
		return 1
	}
	return 0
}

// ParseResolution maps a user-facing string to a Resolution.
func ParseResolution(s string) Resolution {
	switch s {
	case "2160p", "4k", "4K":
		return Resolution2160p
	case "1080p":
		return Resolution1080p
	case "720p":
		return Resolution720p
	case "480p":
		return Resolution480p
	case "SD", "sd":
		return ResolutionSD
	}
	return ResolutionUnknown
}

// Source is the detected release source medium.
type Source string

const (
	SourceRemux   Source = "Remux"
	SourceBluRay  Source = "BluRay"
	SourceWebDL   Source = "WebDL"
	SourceWebRip  Source = "WebRip"
	SourceHDTV    Source = "HDTV"
	SourceDVDRip  Source = "DVDRip"
	SourceCam     Source = "Cam"
	SourceUnknown Source = "Unknown"
)

// Codec is the detected video codec.
type Codec string

const (
	CodecAV1     Codec = "AV1"
	CodecHEVC    Codec = "HEVC"
	CodecH264    Codec = "H264"
	CodecUnknown Codec = "Unknown"
)

// Release is one in-memory download candidate. It is never persisted on its
// own, only embedded as JSON inside a request's selection fields.
type Release struct {
	Title       string     `json:"title"`
	IndexerID   string     `json:"indexerId"`
	IndexerName string     `json:"indexerName"`
	Resolution  Resolution `json:"resolution"`
	Source      Source     `json:"source"`
	Codec       Codec      `json:"codec"`
	Size        int64      `json:"size"`
	Seeders     int        `json:"seeders"`
	Leechers    int        `json:"leechers"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	MagnetURI   string     `json:"magnetUri,omitempty"`
	PublishDate time.Time  `json:"publishDate"`
	Categories  []string   `json:"categories,omitempty"`
	Score       int        `json:"score"`
}

// HasDownload reports whether the release carries a usable download handle.
func (r *Release) HasDownload() bool {
	return r.DownloadURL != "" || r.MagnetURI != ""
}

// Constraints narrow the candidate list during selection.
type Constraints struct {
	MaxSize             int64
	MinSeeders          int
	PreferredResolution Resolution
	RequiredResolution  Resolution
}

// Result is the outcome of one selection pass.
type Result struct {
	// All is the scored, deduplicated, ordered list before constraints.
	All []Release
	// Eligible is the subset of All that survived the constraints.
	Eligible []Release
	// Winner is the chosen release, nil when nothing survived.
	Winner *Release
}
