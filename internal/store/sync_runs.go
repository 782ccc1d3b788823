package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SyncRun is the audit record of one reconciliation attempt, kept whether or
// not the attempt committed.
type SyncRun struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       sql.NullTime   `json:"-"`
	Status           sql.NullString `json:"-"`
	RowsProcessed    int64          `json:"rows_processed"`
	StationsInserted int64          `json:"stations_inserted"`
	StationsUpdated  int64          `json:"stations_updated"`
	StationsStaled   int64          `json:"stations_staled"`
	Observations     int64          `json:"observations"`
	Archives         int64          `json:"archives"`
	Success          bool           `json:"success"`
	ErrorMessage     sql.NullString `json:"-"`
}

// StartSyncRun creates a new sync run record and returns it.
func (s *Store) StartSyncRun(ctx context.Context, source string) (*SyncRun, error) {
	run := &SyncRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Source:    source,
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, source, started_at, success)
		VALUES (?, ?, ?, FALSE)
	`, run.ID, run.Source, run.StartedAt); err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteSyncRun updates the sync run with results.
func (s *Store) CompleteSyncRun(ctx context.Context, run *SyncRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			finished_at = ?,
			status = ?,
			rows_processed = ?,
			stations_inserted = ?,
			stations_updated = ?,
			stations_staled = ?,
			observations = ?,
			archives = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Status, run.RowsProcessed, run.StationsInserted, run.StationsUpdated,
		run.StationsStaled, run.Observations, run.Archives, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentSyncRuns returns the latest sync runs, newest first. When failedOnly
// is set only unsuccessful runs are returned.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int, failedOnly bool) ([]SyncRun, error) {
	query := `
		SELECT id, source, started_at, finished_at, status, COALESCE(rows_processed, 0),
			   COALESCE(stations_inserted, 0), COALESCE(stations_updated, 0), COALESCE(stations_staled, 0),
			   COALESCE(observations, 0), COALESCE(archives, 0), success, error_message
		FROM sync_runs`
	if failedOnly {
		query += ` WHERE success = FALSE`
	}
	query += ` ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.Source, &r.StartedAt, &r.FinishedAt, &r.Status, &r.RowsProcessed,
			&r.StationsInserted, &r.StationsUpdated, &r.StationsStaled,
			&r.Observations, &r.Archives, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
