package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RegisterWorker inserts or refreshes a worker registration.
func (s *Store) RegisterWorker(ctx context.Context, w Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker (id, hostname, pid, status, last_heartbeat, started_at)
		VALUES (?, ?, ?, 'active', ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = 'active', last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.Hostname, w.PID, w.LastHeartbeat.UTC(), time.Now().UTC(),
	)
	return err
}

// TouchWorker refreshes a worker heartbeat.
func (s *Store) TouchWorker(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker SET last_heartbeat = ? WHERE id = ?`,
		now.UTC(), workerID,
	)
	return err
}

// StopWorker marks a worker stopped on graceful shutdown.
func (s *Store) StopWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worker SET status = 'stopped' WHERE id = ?`, workerID)
	return err
}

// ListStaleWorkers returns active workers whose heartbeat is older than cutoff.
func (s *Store) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, pid, status, last_heartbeat, started_at
		FROM worker WHERE status = 'active' AND last_heartbeat < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		var status string
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &status, &w.LastHeartbeat, &w.StartedAt); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		w.LastHeartbeat = w.LastHeartbeat.UTC()
		w.StartedAt = w.StartedAt.UTC()
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	var w Worker
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, pid, status, last_heartbeat, started_at
		FROM worker WHERE id = ?`,
		workerID,
	).Scan(&w.ID, &w.Hostname, &w.PID, &status, &w.LastHeartbeat, &w.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Status = WorkerStatus(status)
	w.LastHeartbeat = w.LastHeartbeat.UTC()
	w.StartedAt = w.StartedAt.UTC()
	return &w, nil
}
