package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/klima/internal/models"
)

// SyncTx is the single write transaction a reconciliation applies. Nothing
// written through it is visible to readers until ApplySync commits.
type SyncTx struct {
	tx  *sql.Tx
	now time.Time
}

// ApplySync runs fn inside one transaction, committing when fn returns nil
// and rolling back otherwise.
func (s *Store) ApplySync(ctx context.Context, fn func(*SyncTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	if err := fn(&SyncTx{tx: tx, now: time.Now().UTC()}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	return nil
}

// UpsertStations inserts or updates stations by station_id. A station that
// is upserted is no longer stale.
func (t *SyncTx) UpsertStations(ctx context.Context, stations []models.Station) (inserted, updated int, err error) {
	existing, err := t.stationIDs(ctx)
	if err != nil {
		return 0, 0, err
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO stations (station_id, name, latitude, longitude, state, elevation, first_observation, last_observation, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			state = excluded.state,
			elevation = excluded.elevation,
			first_observation = excluded.first_observation,
			last_observation = excluded.last_observation,
			stale = FALSE,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare station upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range stations {
		var elevation sql.NullFloat64
		if st.Elevation != nil {
			elevation = sql.NullFloat64{Float64: *st.Elevation, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, st.StationID, st.Name, st.Latitude, st.Longitude,
			nullString(st.State), elevation, nullString(st.FirstObservation), nullString(st.LastObservation), t.now); err != nil {
			return inserted, updated, fmt.Errorf("upsert station %s: %w", st.StationID, err)
		}
		if existing[st.StationID] {
			updated++
		} else {
			inserted++
			existing[st.StationID] = true
		}
	}
	return inserted, updated, nil
}

// MarkStaleExcept flags every non-stale station whose id is not in keep.
// Stations are never deleted so historical observations keep their join.
func (t *SyncTx) MarkStaleExcept(ctx context.Context, keep map[string]bool) (int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT station_id FROM stations WHERE stale = FALSE`)
	if err != nil {
		return 0, err
	}
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[id] {
			gone = append(gone, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range gone {
		if _, err := t.tx.ExecContext(ctx, `UPDATE stations SET stale = TRUE, updated_at = ? WHERE station_id = ?`, t.now, id); err != nil {
			return 0, fmt.Errorf("mark stale %s: %w", id, err)
		}
	}
	return len(gone), nil
}

// UpsertObservations inserts or replaces observations by (station_id, date).
func (t *SyncTx) UpsertObservations(ctx context.Context, observations []models.Observation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO observations (station_id, date, t_max, t_min, t_mean, precipitation, source_file, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, date) DO UPDATE SET
			t_max = excluded.t_max,
			t_min = excluded.t_min,
			t_mean = excluded.t_mean,
			precipitation = excluded.precipitation,
			source_file = excluded.source_file,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare observation upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, obs := range observations {
		if _, err := stmt.ExecContext(ctx, obs.StationID, obs.Date.Format(models.DateLayout),
			obs.TempMax, obs.TempMin, obs.TempMean, obs.Precipitation, nullString(obs.SourceFile), t.now); err != nil {
			return n, fmt.Errorf("upsert observation %s %s: %w", obs.StationID, obs.Date.Format(models.DateLayout), err)
		}
		n++
	}
	return n, nil
}

// SaveSyncState records fingerprint as the last reconciled state of source
// and returns the new store generation.
func (t *SyncTx) SaveSyncState(ctx context.Context, source, fingerprint string) (int64, error) {
	current, err := generation(ctx, t.tx)
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	next := current + 1
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (source, fingerprint, generation, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			generation = excluded.generation,
			synced_at = excluded.synced_at
	`, source, fingerprint, next, t.now); err != nil {
		return 0, fmt.Errorf("save sync state: %w", err)
	}
	return next, nil
}

func (t *SyncTx) ListStations(ctx context.Context) ([]models.Station, error) {
	return listStations(ctx, t.tx)
}

func (t *SyncTx) stationIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT station_id FROM stations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
