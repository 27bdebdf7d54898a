package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const itemColumns = `id, request_id, season, episode, status, quality_met, available_releases, created_at, updated_at`

// CreateItem inserts one processing item. Episode is nil for a season pack.
func (s *Store) CreateItem(ctx context.Context, requestID int64, season int, episode *int) (*ProcessingItem, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_item (request_id, season, episode, status, quality_met, created_at, updated_at)
		VALUES (?, ?, ?, 'new', 0, ?, ?)`,
		requestID, season, nullIntValue(episode), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, id)
}

// GetItem fetches a processing item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (*ProcessingItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM processing_item WHERE id = ?`, id)
	return scanItem(row)
}

// ListItemsForRequest returns every item of a request ordered by season, episode.
func (s *Store) ListItemsForRequest(ctx context.Context, requestID int64) ([]ProcessingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM processing_item
		WHERE request_id = ?
		ORDER BY season ASC, episode ASC`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListItemsByStatus returns items in the given status across all requests.
func (s *Store) ListItemsByStatus(ctx context.Context, status ItemStatus) ([]ProcessingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM processing_item WHERE status = ? ORDER BY request_id, season, episode`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// UpdateItemStatus sets a new status on one item.
func (s *Store) UpdateItemStatus(ctx context.Context, id int64, status ItemStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_item SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	return err
}

// SetItemQuality records the quality gate result and any scored candidates.
func (s *Store) SetItemQuality(ctx context.Context, id int64, met bool, available *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_item SET quality_met = ?, available_releases = ?, updated_at = ?
		WHERE id = ?`,
		met, nullString(available), time.Now().UTC(), id,
	)
	return err
}

// CountItemsNotInStatus reports how many items of a request are outside the
// given statuses. Used to decide whether a series request is finished.
func (s *Store) CountItemsNotInStatus(ctx context.Context, requestID int64, statuses ...ItemStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM processing_item WHERE request_id = ?`
	args := []any{requestID}
	if len(statuses) > 0 {
		query += ` AND status NOT IN (`
		for i, st := range statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(st))
		}
		query += ")"
	}
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func scanItem(row rowScanner) (*ProcessingItem, error) {
	var (
		it      ProcessingItem
		status  string
		episode sql.NullInt64
		avail   sql.NullString
	)
	err := row.Scan(&it.ID, &it.RequestID, &it.Season, &episode, &status, &it.QualityMet, &avail, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	it.Status = ItemStatus(status)
	if episode.Valid {
		v := int(episode.Int64)
		it.Episode = &v
	}
	it.AvailableReleases = stringPtr(avail)
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]ProcessingItem, error) {
	var items []ProcessingItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func nullIntValue(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
