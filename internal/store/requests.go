package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const requestColumns = `id, external_id, media_kind, title, year, targets, required_resolution,
	selected_release, available_releases, status, current_step, created_at, updated_at`

// CreateRequestParams holds the caller-supplied fields for a new media request.
type CreateRequestParams struct {
	ExternalID         string
	Kind               MediaKind
	Title              string
	Year               int
	Targets            []DeliveryTarget
	RequiredResolution *string
}

// CreateRequest inserts a new media request in status new.
func (s *Store) CreateRequest(ctx context.Context, p CreateRequestParams) (*MediaRequest, error) {
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode targets: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO media_request (external_id, media_kind, title, year, targets, required_resolution, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'new', ?, ?)`,
		p.ExternalID, string(p.Kind), p.Title, p.Year, string(targets),
		nullString(p.RequiredResolution), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

// GetRequest fetches a media request by id.
func (s *Store) GetRequest(ctx context.Context, id int64) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM media_request WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequestsByStatus returns requests in any of the given statuses.
func (s *Store) ListRequestsByStatus(ctx context.Context, statuses ...RequestStatus) ([]MediaRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + requestColumns + ` FROM media_request WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListRequests returns all requests, newest first.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]MediaRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM media_request ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// FindActiveRequestByExternalID returns the non-terminal request for an
// external id, or ErrNotFound.
func (s *Store) FindActiveRequestByExternalID(ctx context.Context, externalID string) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM media_request
		WHERE external_id = ? AND status NOT IN ('complete', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, externalID)
	return scanRequest(row)
}

// UpdateRequestStatus sets status and the human-readable current step.
func (s *Store) UpdateRequestStatus(ctx context.Context, id int64, status RequestStatus, currentStep string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_request SET status = ?, current_step = ?, updated_at = ?
		WHERE id = ?`,
		string(status), currentStep, time.Now().UTC(), id,
	)
	return err
}

// TransitionRequestStatus updates status only when the request is currently in
// one of the expected statuses. Returns false when the guard did not match.
func (s *Store) TransitionRequestStatus(ctx context.Context, id int64, from []RequestStatus, to RequestStatus, currentStep string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("no source statuses given")
	}

	query := `UPDATE media_request SET status = ?, current_step = ?, updated_at = ? WHERE id = ? AND status IN (`
	args := []any{string(to), currentStep, time.Now().UTC(), id}
	for i, st := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TransitionRequestWithSelection atomically stores the chosen release and
// moves the request to a new status, guarded the same way as
// TransitionRequestStatus. The candidate list is cleared: a selection made
// this way supersedes whatever a search had scored.
func (s *Store) TransitionRequestWithSelection(ctx context.Context, id int64, from []RequestStatus, to RequestStatus, selected string, currentStep string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("no source statuses given")
	}

	query := `UPDATE media_request
		SET status = ?, current_step = ?, selected_release = ?, available_releases = NULL, updated_at = ?
		WHERE id = ? AND status IN (`
	args := []any{string(to), currentStep, selected, time.Now().UTC(), id}
	for i, st := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetSelectedRelease stores the chosen release JSON and optionally the scored list.
func (s *Store) SetSelectedRelease(ctx context.Context, id int64, selected *string, available *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_request SET selected_release = ?, available_releases = ?, updated_at = ?
		WHERE id = ?`,
		nullString(selected), nullString(available), time.Now().UTC(), id,
	)
	return err
}

// SetAvailableReleases stores the scored candidate list without touching the selection.
func (s *Store) SetAvailableReleases(ctx context.Context, id int64, available *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_request SET available_releases = ?, updated_at = ?
		WHERE id = ?`,
		nullString(available), time.Now().UTC(), id,
	)
	return err
}

func scanRequest(row rowScanner) (*MediaRequest, error) {
	var (
		r            MediaRequest
		kind, status string
		targets      string
		requiredRes  sql.NullString
		selected     sql.NullString
		available    sql.NullString
	)

	err := row.Scan(
		&r.ID, &r.ExternalID, &kind, &r.Title, &r.Year, &targets, &requiredRes,
		&selected, &available, &status, &r.CurrentStep, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.Kind = MediaKind(kind)
	r.Status = RequestStatus(status)
	r.RequiredResolution = stringPtr(requiredRes)
	r.SelectedRelease = stringPtr(selected)
	r.AvailableReleases = stringPtr(available)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets for request %d: %w", r.ID, err)
	}
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]MediaRequest, error) {
	var requests []MediaRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}
