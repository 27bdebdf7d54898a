package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, type, payload, priority, status, attempts, max_attempts, dedupe_key,
	scheduled_for, started_at, completed_at, heartbeat_at, worker_id, cancel_requested,
	error, result, progress_current, progress_total, parent_job_id, request_id, created_at`

// CreateJobParams holds the caller-supplied fields for a new job.
type CreateJobParams struct {
	Type         string
	Payload      string
	Priority     int
	MaxAttempts  int
	DedupeKey    *string
	ScheduledFor time.Time
	ParentJobID  *int64
	RequestID    *int64
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == "" {
		p.Payload = "{}"
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job (type, payload, priority, status, max_attempts, dedupe_key, scheduled_for, parent_job_id, request_id, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		p.Type, p.Payload, p.Priority, p.MaxAttempts, nullString(p.DedupeKey),
		p.ScheduledFor.UTC(), nullInt64(p.ParentJobID), nullInt64(p.RequestID), time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// CreateJobIfNotExists inserts a job unless a non-terminal job already holds the
// dedupe key. Returns (nil, nil) when the key is already active.
// The check-then-insert runs inside a transaction; the partial unique index on
// dedupe_key backstops it against races.
func (s *Store) CreateJobIfNotExists(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.DedupeKey == nil || *p.DedupeKey == "" {
		return s.CreateJob(ctx, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM job
		WHERE dedupe_key = ? AND status IN ('pending', 'running', 'paused')`,
		*p.DedupeKey,
	).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == "" {
		p.Payload = "{}"
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO job (type, payload, priority, status, max_attempts, dedupe_key, scheduled_for, parent_job_id, request_id, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		p.Type, p.Payload, p.Priority, p.MaxAttempts, *p.DedupeKey,
		p.ScheduledFor.UTC(), nullInt64(p.ParentJobID), nullInt64(p.RequestID), time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	return scanJob(row)
}

// SelectClaimable returns up to limit pending jobs due to run, ordered by
// priority descending then creation time ascending.
func (s *Store) SelectClaimable(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM job
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob transitions a pending job to running for the given worker.
// The conditional update on status guarantees a job is claimed at most once.
func (s *Store) ClaimJob(ctx context.Context, id int64, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job
		SET status = 'running', started_at = ?, heartbeat_at = ?, worker_id = ?, attempts = attempts + 1
		WHERE id = ? AND status = 'pending'`,
		now.UTC(), now.UTC(), workerID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteJob marks a running job completed with an optional result blob.
func (s *Store) CompleteJob(ctx context.Context, id int64, result *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'completed', result = ?, completed_at = ?
		WHERE id = ?`,
		nullString(result), time.Now().UTC(), id,
	)
	return err
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	return err
}

// CancelJob marks a job cancelled.
func (s *Store) CancelJob(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'cancelled', error = ?, completed_at = ?
		WHERE id = ?`,
		reason, time.Now().UTC(), id,
	)
	return err
}

// RescheduleJob puts a job back to pending at the given time, clearing runtime fields.
func (s *Store) RescheduleJob(ctx context.Context, id int64, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job
		SET status = 'pending', error = ?, scheduled_for = ?,
		    started_at = NULL, heartbeat_at = NULL, worker_id = NULL, cancel_requested = 0
		WHERE id = ?`,
		errMsg, at.UTC(), id,
	)
	return err
}

// PauseJob marks a job paused.
func (s *Store) PauseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'paused'
		WHERE id = ? AND status IN ('pending', 'running')`,
		id,
	)
	return err
}

// ResumeJob transitions a paused job back to pending, clearing runtime fields.
func (s *Store) ResumeJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job
		SET status = 'pending', scheduled_for = ?,
		    started_at = NULL, heartbeat_at = NULL, worker_id = NULL, cancel_requested = 0
		WHERE id = ? AND status = 'paused'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelPendingJob transitions a pending job straight to cancelled.
func (s *Store) CancelPendingJob(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'cancelled', error = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetCancelRequested flags a running job for cooperative cancellation.
func (s *Store) SetCancelRequested(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job SET cancel_requested = 1 WHERE id = ?`, id)
	return err
}

// UpdateJobProgress records handler progress.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, current, total int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET progress_current = ?, progress_total = ? WHERE id = ?`,
		current, total, id,
	)
	return err
}

// TouchHeartbeats refreshes heartbeat_at for all running jobs owned by a worker.
func (s *Store) TouchHeartbeats(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job SET heartbeat_at = ? WHERE worker_id = ? AND status = 'running'`,
		now.UTC(), workerID,
	)
	return err
}

// ListCancelRequested returns ids of non-terminal jobs flagged for cancellation.
func (s *Store) ListCancelRequested(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM job WHERE cancel_requested = 1 AND status IN ('pending', 'running', 'paused')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListJobsByStatus returns all jobs with the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM job WHERE status = ? ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsForRequest returns all jobs attached to a request.
func (s *Store) ListJobsForRequest(ctx context.Context, requestID int64) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM job WHERE request_id = ? ORDER BY created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ResetRunningJobs rewrites every running job back to pending.
// Called once at startup for crash recovery.
func (s *Store) ResetRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job
		SET status = 'pending', started_at = NULL, heartbeat_at = NULL,
		    worker_id = NULL, cancel_requested = 0
		WHERE status = 'running'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetJobsForWorker re-pends running jobs owned by a specific (dead) worker.
func (s *Store) ResetJobsForWorker(ctx context.Context, workerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job
		SET status = 'pending', started_at = NULL, heartbeat_at = NULL,
		    worker_id = NULL, cancel_requested = 0
		WHERE status = 'running' AND worker_id = ?`,
		workerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// JobStatsSnapshot returns counts by status and pending counts by type.
func (s *Store) JobStatsSnapshot(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		ByStatus:      make(map[JobStatus]int64),
		PendingByType: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM job GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.QueryContext(ctx, `
		SELECT type, count(*) FROM job WHERE status = 'pending' GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var jobType string
		var n int64
		if err := typeRows.Scan(&jobType, &n); err != nil {
			return nil, err
		}
		stats.PendingByType[jobType] = n
	}
	return stats, typeRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		dedupeKey    sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		heartbeatAt  sql.NullTime
		workerID     sql.NullString
		cancelReq    int64
		errMsg       sql.NullString
		result       sql.NullString
		parentJobID  sql.NullInt64
		requestID    sql.NullInt64
		status       string
		scheduledFor time.Time
	)

	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&dedupeKey, &scheduledFor, &startedAt, &completedAt, &heartbeatAt, &workerID,
		&cancelReq, &errMsg, &result, &j.ProgressCurrent, &j.ProgressTotal,
		&parentJobID, &requestID, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	j.Status = JobStatus(status)
	j.DedupeKey = stringPtr(dedupeKey)
	j.ScheduledFor = scheduledFor.UTC()
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.HeartbeatAt = timePtr(heartbeatAt)
	j.WorkerID = stringPtr(workerID)
	j.CancelRequested = cancelReq != 0
	j.Error = stringPtr(errMsg)
	j.Result = stringPtr(result)
	j.ParentJobID = int64Ptr(parentJobID)
	j.RequestID = int64Ptr(requestID)
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
