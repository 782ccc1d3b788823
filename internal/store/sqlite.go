package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/klima/internal/models"
)

// rangeChunk bounds the number of station ids bound into a single IN clause.
const rangeChunk = 500

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a SQLite database at path with WAL journaling, a busy timeout
// and foreign keys enabled on every pooled connection.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ListStations(ctx context.Context) ([]models.Station, error) {
	return listStations(ctx, s.db)
}

func (s *Store) GetStation(ctx context.Context, stationID string) (*models.Station, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT station_id, name, latitude, longitude, state, elevation, first_observation, last_observation, stale
		FROM stations
		WHERE station_id = ?
	`, stationID)
	st, err := scanStation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetRange returns the observations of one station between start and end
// inclusive, ordered by date. Days without a row are simply absent.
func (s *Store) GetRange(ctx context.Context, stationID string, start, end time.Time) ([]models.Observation, error) {
	byStation, err := getRanges(ctx, s.db, []string{stationID}, start, end)
	if err != nil {
		return nil, err
	}
	return byStation[stationID], nil
}

// Generation is the number of committed reconciliations across all sources.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	return generation(ctx, s.db)
}

// SyncState returns the last committed reconciliation of source, or nil.
func (s *Store) SyncState(ctx context.Context, source string) (*models.SyncState, error) {
	var st models.SyncState
	err := s.db.QueryRowContext(ctx, `
		SELECT source, fingerprint, generation, synced_at FROM sync_state WHERE source = ?
	`, source).Scan(&st.Source, &st.Fingerprint, &st.Generation, &st.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Coverage returns the first and last observation dates, or nil when the
// store holds no observations.
func (s *Store) Coverage(ctx context.Context) (*models.Coverage, error) {
	var minDate, maxDate sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(date), MAX(date) FROM observations`).Scan(&minDate, &maxDate); err != nil {
		return nil, err
	}
	if !minDate.Valid || !maxDate.Valid {
		return nil, nil
	}
	return &models.Coverage{MinDate: minDate.String, MaxDate: maxDate.String}, nil
}

// View is a read transaction. Everything read through one View comes from the
// same committed state.
type View struct {
	tx *sql.Tx
}

func (s *Store) View(ctx context.Context) (*View, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	return &View{tx: tx}, nil
}

func (v *View) Close() error {
	return v.tx.Rollback()
}

func (v *View) Generation(ctx context.Context) (int64, error) {
	return generation(ctx, v.tx)
}

func (v *View) ListStations(ctx context.Context) ([]models.Station, error) {
	return listStations(ctx, v.tx)
}

func (v *View) GetRanges(ctx context.Context, stationIDs []string, start, end time.Time) (map[string][]models.Observation, error) {
	return getRanges(ctx, v.tx, stationIDs, start, end)
}

func generation(ctx context.Context, q querier) (int64, error) {
	var gen sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(generation) FROM sync_state`).Scan(&gen); err != nil {
		return 0, err
	}
	return gen.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(r rowScanner) (models.Station, error) {
	var st models.Station
	var state, first, last sql.NullString
	var elevation sql.NullFloat64
	if err := r.Scan(&st.StationID, &st.Name, &st.Latitude, &st.Longitude, &state, &elevation, &first, &last, &st.Stale); err != nil {
		return st, err
	}
	st.State = state.String
	st.FirstObservation = first.String
	st.LastObservation = last.String
	if elevation.Valid {
		e := elevation.Float64
		st.Elevation = &e
	}
	return st, nil
}

func listStations(ctx context.Context, q querier) ([]models.Station, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT station_id, name, latitude, longitude, state, elevation, first_observation, last_observation, stale
		FROM stations
		ORDER BY station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

func getRanges(ctx context.Context, q querier, stationIDs []string, start, end time.Time) (map[string][]models.Observation, error) {
	result := make(map[string][]models.Observation, len(stationIDs))
	from := start.Format(models.DateLayout)
	to := end.Format(models.DateLayout)

	for i := 0; i < len(stationIDs); i += rangeChunk {
		chunk := stationIDs[i:min(i+rangeChunk, len(stationIDs))]
		args := make([]any, 0, len(chunk)+2)
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, from, to)

		rows, err := q.QueryContext(ctx, `
			SELECT station_id, date, t_max, t_min, t_mean, precipitation, source_file
			FROM observations
			WHERE station_id IN (`+placeholders(len(chunk))+`) AND date >= ? AND date <= ?
			ORDER BY station_id, date ASC
		`, args...)
		if err != nil {
			return nil, err
		}
		if err := scanObservations(rows, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func scanObservations(rows *sql.Rows, into map[string][]models.Observation) error {
	defer rows.Close()
	for rows.Next() {
		var obs models.Observation
		var date string
		var source sql.NullString
		if err := rows.Scan(&obs.StationID, &date, &obs.TempMax, &obs.TempMin, &obs.TempMean, &obs.Precipitation, &source); err != nil {
			return err
		}
		d, err := time.Parse(models.DateLayout, date)
		if err != nil {
			return fmt.Errorf("parse date %q for %s: %w", date, obs.StationID, err)
		}
		obs.Date = d
		obs.SourceFile = source.String
		into[obs.StationID] = append(into[obs.StationID], obs)
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
