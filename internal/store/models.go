// Package store provides the durable persistence layer over SQLite.
package store

import (
	"errors"
	"time"
)

// Common store errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate dedupe key")
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal one.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is a durable unit of work.
type Job struct {
	ID              int64
	Type            string
	Payload         string // opaque JSON, decoded at dispatch
	Priority        int
	Status          JobStatus
	Attempts        int
	MaxAttempts     int
	DedupeKey       *string
	ScheduledFor    time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	HeartbeatAt     *time.Time
	WorkerID        *string
	CancelRequested bool
	Error           *string
	Result          *string
	ProgressCurrent int64
	ProgressTotal   int64
	ParentJobID     *int64
	RequestID       *int64
	CreatedAt       time.Time
}

// WorkerStatus is the lifecycle status of a worker registration.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStopped WorkerStatus = "stopped"
)

// Worker is the self-registration of a process instance.
type Worker struct {
	ID            string // host:pid:startTime
	Hostname      string
	PID           int
	Status        WorkerStatus
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// MediaKind distinguishes movie and series requests.
type MediaKind string

const (
	KindMovie  MediaKind = "movie"
	KindSeries MediaKind = "series"
)

// RequestStatus is the lifecycle status of a media request.
type RequestStatus string

const (
	RequestNew                RequestStatus = "new"
	RequestSearching          RequestStatus = "searching"
	RequestAwaiting           RequestStatus = "awaiting"
	RequestQualityUnavailable RequestStatus = "quality_unavailable"
	RequestPendingApproval    RequestStatus = "pending_approval"
	RequestDownloading        RequestStatus = "downloading"
	RequestEncoding           RequestStatus = "encoding"
	RequestDelivering         RequestStatus = "delivering"
	RequestComplete           RequestStatus = "complete"
	RequestFailed             RequestStatus = "failed"
	RequestCancelled          RequestStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal one.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestComplete, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// DeliveryTarget names one destination server for a request.
type DeliveryTarget struct {
	ServerID          string  `json:"serverId"`
	EncodingProfileID *string `json:"encodingProfileId,omitempty"`
}

// MediaRequest is one user intent to acquire a title.
type MediaRequest struct {
	ID                 int64
	ExternalID         string
	Kind               MediaKind
	Title              string
	Year               int
	Targets            []DeliveryTarget
	RequiredResolution *string
	SelectedRelease    *string // JSON blob
	AvailableReleases  *string // JSON blob
	Status             RequestStatus
	CurrentStep        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ItemStatus mirrors the episode-level state machine.
type ItemStatus string

const (
	ItemNew         ItemStatus = "new"
	ItemAwaiting    ItemStatus = "awaiting"
	ItemDownloading ItemStatus = "downloading"
	ItemEncoding    ItemStatus = "encoding"
	ItemDelivering  ItemStatus = "delivering"
	ItemComplete    ItemStatus = "complete"
	ItemFailed      ItemStatus = "failed"
)

// ProcessingItem is one episode (or season pack) unit of a series request.
type ProcessingItem struct {
	ID                int64
	RequestID         int64
	Season            int
	Episode           *int // nil for season packs
	Status            ItemStatus
	QualityMet        bool
	AvailableReleases *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApprovalStatus is the lifecycle status of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalSkipped  ApprovalStatus = "skipped"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// AutoAction is the action applied when an approval times out.
type AutoAction string

const (
	AutoApprove AutoAction = "approve"
	AutoReject  AutoAction = "reject"
	AutoSkip    AutoAction = "skip"
)

// Approval is one pending human decision.
type Approval struct {
	ID           int64
	RequestID    int64
	StepOrder    int
	Reason       string
	RequiredRole string
	TimeoutHours *float64
	AutoAction   AutoAction
	Status       ApprovalStatus
	ProcessedBy  *string
	ProcessedAt  *time.Time
	Comment      *string
	CreatedAt    time.Time
}

// SyncState is the singleton resumable cursor for library hydration jobs.
type SyncState struct {
	LastExternalID string
	TotalCount     int64
	ActiveJobID    *int64
	UpdatedAt      time.Time
}

// JobStats holds queue observability counts.
type JobStats struct {
	ByStatus      map[JobStatus]int64 `json:"byStatus"`
	PendingByType map[string]int64    `json:"pendingByType"`
}
