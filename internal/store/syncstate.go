package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetSyncState reads the singleton library sync cursor, or ErrNotFound when
// no sync has ever run.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var (
		st    SyncState
		jobID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_external_id, total_count, active_job_id, updated_at
		FROM sync_state WHERE id = 1`,
	).Scan(&st.LastExternalID, &st.TotalCount, &jobID, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.ActiveJobID = int64Ptr(jobID)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

// SaveSyncState upserts the singleton sync cursor.
func (s *Store) SaveSyncState(ctx context.Context, st SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_external_id, total_count, active_job_id, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			last_external_id = excluded.last_external_id,
			total_count = excluded.total_count,
			active_job_id = excluded.active_job_id,
			updated_at = CURRENT_TIMESTAMP`,
		st.LastExternalID, st.TotalCount, nullInt64(st.ActiveJobID),
	)
	return err
}

// ClearSyncCursor removes the cursor after a completed full sync, so the next
// sync starts from scratch and GetSyncState reports ErrNotFound until then.
func (s *Store) ClearSyncCursor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE id = 1`)
	return err
}
