package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    latitude REAL NOT NULL CHECK (latitude BETWEEN -90 AND 90),
    longitude REAL NOT NULL CHECK (longitude BETWEEN -180 AND 180),
    state TEXT,
    elevation REAL,
    first_observation TEXT,
    last_observation TEXT,
    stale BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL REFERENCES stations(station_id),
    date TEXT NOT NULL,
    t_max REAL,
    t_min REAL,
    t_mean REAL,
    precipitation REAL CHECK (precipitation IS NULL OR precipitation >= 0),
    source_file TEXT,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (station_id, date)
);
`,
	},
	{
		Version:     2,
		Description: "Add sync_state for last reconciled fingerprint",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_state (
    source TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    generation INTEGER NOT NULL,
    synced_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "Add sync_runs audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    status TEXT,
    rows_processed INTEGER,
    stations_inserted INTEGER,
    stations_updated INTEGER,
    stations_staled INTEGER,
    observations INTEGER,
    archives INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`,
	},
	{
		Version:     4,
		Description: "Add raw_payloads for station manifests",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_run_id TEXT,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    resource TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);
`,
	},
	{
		Version:     5,
		Description: "Index observations by date for coverage queries",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_observations_date ON observations(date);
`,
	},
	{
		Version:     6,
		Description: "Add sync_files for per-file freshness",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_files (
    source TEXT NOT NULL,
    name TEXT NOT NULL,
    size INTEGER NOT NULL,
    last_modified DATETIME,
    fingerprint TEXT NOT NULL,
    synced_at DATETIME NOT NULL,
    PRIMARY KEY (source, name)
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
