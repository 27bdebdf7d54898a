package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const approvalColumns = `id, request_id, step_order, reason, required_role, timeout_hours,
	auto_action, status, processed_by, processed_at, comment, created_at`

// CreateApprovalParams holds the fields for a new pending approval.
type CreateApprovalParams struct {
	RequestID    int64
	StepOrder    int
	Reason       string
	RequiredRole string
	TimeoutHours *float64
	AutoAction   AutoAction
}

// CreateApproval inserts a pending approval gate.
func (s *Store) CreateApproval(ctx context.Context, p CreateApprovalParams) (*Approval, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approval (request_id, step_order, reason, required_role, timeout_hours, auto_action, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		p.RequestID, p.StepOrder, p.Reason, p.RequiredRole, nullFloat(p.TimeoutHours),
		string(p.AutoAction), time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, id)
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id int64) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval WHERE id = ?`, id)
	return scanApproval(row)
}

// GetPendingApprovalForRequest returns the pending approval on a request, if any.
func (s *Store) GetPendingApprovalForRequest(ctx context.Context, requestID int64) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approval
		WHERE request_id = ? AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`,
		requestID,
	)
	return scanApproval(row)
}

// ListPendingApprovals returns every pending approval, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approval WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// ProcessApproval records a decision on a pending approval. It returns false
// when the approval was already processed.
func (s *Store) ProcessApproval(ctx context.Context, id int64, status ApprovalStatus, processedBy string, comment *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval SET status = ?, processed_by = ?, processed_at = ?, comment = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), processedBy, time.Now().UTC(), nullString(comment), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetApprovalClock restarts the timeout window on a pending approval.
func (s *Store) ResetApprovalClock(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval SET created_at = ? WHERE id = ? AND status = 'pending'`,
		now.UTC(), id,
	)
	return err
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a           Approval
		autoAction  string
		status      string
		timeout     sql.NullFloat64
		processedBy sql.NullString
		processedAt sql.NullTime
		comment     sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.RequestID, &a.StepOrder, &a.Reason, &a.RequiredRole, &timeout,
		&autoAction, &status, &processedBy, &processedAt, &comment, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.AutoAction = AutoAction(autoAction)
	a.Status = ApprovalStatus(status)
	if timeout.Valid {
		v := timeout.Float64
		a.TimeoutHours = &v
	}
	a.ProcessedBy = stringPtr(processedBy)
	a.ProcessedAt = timePtr(processedAt)
	a.Comment = stringPtr(comment)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func scanApprovals(rows *sql.Rows) ([]Approval, error) {
	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
