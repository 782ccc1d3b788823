package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lox/klima/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func day(s string) time.Time {
	d, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func valid(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func seed(t *testing.T, store *Store, stations []models.Station, obs []models.Observation) {
	t.Helper()
	ctx := context.Background()
	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		if _, _, err := tx.UpsertStations(ctx, stations); err != nil {
			return err
		}
		if _, err := tx.UpsertObservations(ctx, obs); err != nil {
			return err
		}
		_, err := tx.SaveSyncState(ctx, "test", "fp")
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}

	// Re-running is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestUpsertStations_Counts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	elev := 34.0

	stations := []models.Station{
		{StationID: "00433", Name: "Berlin-Tempelhof", Latitude: 52.4675, Longitude: 13.4021, State: "Berlin", Elevation: &elev},
		{StationID: "01048", Name: "Dresden-Klotzsche", Latitude: 51.1278, Longitude: 13.7543, State: "Sachsen"},
	}

	var inserted, updated int
	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		var err error
		inserted, updated, err = tx.UpsertStations(ctx, stations)
		return err
	})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if inserted != 2 || updated != 0 {
		t.Errorf("first upsert = (%d, %d), want (2, 0)", inserted, updated)
	}

	stations[1].Name = "Dresden Flughafen"
	stations = append(stations, models.Station{StationID: "01766", Name: "Münster/Osnabrück", Latitude: 52.1344, Longitude: 7.6969})
	err = store.ApplySync(ctx, func(tx *SyncTx) error {
		var err error
		inserted, updated, err = tx.UpsertStations(ctx, stations)
		return err
	})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if inserted != 1 || updated != 2 {
		t.Errorf("second upsert = (%d, %d), want (1, 2)", inserted, updated)
	}

	got, err := store.GetStation(ctx, "01048")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if got == nil || got.Name != "Dresden Flughafen" {
		t.Errorf("GetStation = %+v, want updated name", got)
	}

	berlin, err := store.GetStation(ctx, "00433")
	if err != nil {
		t.Fatal(err)
	}
	if berlin.Elevation == nil || *berlin.Elevation != 34.0 {
		t.Errorf("Elevation = %v, want 34", berlin.Elevation)
	}
	if got.Elevation != nil {
		t.Errorf("Elevation = %v, want nil", *got.Elevation)
	}
}

func TestGetStation_None(t *testing.T) {
	store := setupTestStore(t)

	st, err := store.GetStation(context.Background(), "99999")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil station, got %+v", st)
	}
}

func TestMarkStaleExcept(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seed(t, store, []models.Station{
		{StationID: "A", Latitude: 50, Longitude: 8},
		{StationID: "B", Latitude: 51, Longitude: 9},
		{StationID: "C", Latitude: 52, Longitude: 10},
	}, nil)

	var staled int
	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		var err error
		staled, err = tx.MarkStaleExcept(ctx, map[string]bool{"A": true, "C": true})
		return err
	})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if staled != 1 {
		t.Errorf("staled = %d, want 1", staled)
	}

	stations, err := store.ListStations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stations) != 3 {
		t.Fatalf("len(stations) = %d, want 3 (stale stations are kept)", len(stations))
	}
	for _, st := range stations {
		if st.Stale != (st.StationID == "B") {
			t.Errorf("station %s stale = %v", st.StationID, st.Stale)
		}
	}

	// Upserting a stale station revives it.
	seed(t, store, []models.Station{{StationID: "B", Latitude: 51, Longitude: 9}}, nil)
	b, err := store.GetStation(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	if b.Stale {
		t.Error("station B still stale after upsert")
	}
}

func TestGetRange_InclusiveDateRange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seed(t, store, []models.Station{{StationID: "00433", Latitude: 52.4675, Longitude: 13.4021}}, []models.Observation{
		{StationID: "00433", Date: day("2024-01-14"), TempMax: valid(1)},
		{StationID: "00433", Date: day("2024-01-15"), TempMax: valid(2)},
		{StationID: "00433", Date: day("2024-01-17"), TempMax: valid(3), Precipitation: valid(0.4)},
		{StationID: "00433", Date: day("2024-01-20"), TempMax: valid(4)},
		{StationID: "00433", Date: day("2024-01-21"), TempMax: valid(5)},
	})

	obs, err := store.GetRange(ctx, "00433", day("2024-01-15"), day("2024-01-20"))
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("len(obs) = %d, want 3", len(obs))
	}
	if !obs[0].Date.Equal(day("2024-01-15")) || !obs[2].Date.Equal(day("2024-01-20")) {
		t.Errorf("range = %v..%v, want 2024-01-15..2024-01-20", obs[0].Date, obs[2].Date)
	}
	if obs[1].Precipitation.Float64 != 0.4 || obs[1].TempMin.Valid {
		t.Errorf("obs[1] = %+v, want precipitation 0.4 and null t_min", obs[1])
	}

	none, err := store.GetRange(ctx, "00433", day("2025-01-01"), day("2025-01-31"))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("len(none) = %d, want 0", len(none))
	}
}

func TestUpsertObservations_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	station := []models.Station{{StationID: "A", Latitude: 50, Longitude: 8}}

	seed(t, store, station, []models.Observation{{StationID: "A", Date: day("2024-03-01"), TempMax: valid(10)}})
	seed(t, store, station, []models.Observation{{StationID: "A", Date: day("2024-03-01"), TempMax: valid(12)}})

	obs, err := store.GetRange(ctx, "A", day("2024-03-01"), day("2024-03-01"))
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || obs[0].TempMax.Float64 != 12 {
		t.Errorf("obs = %+v, want one row with t_max 12", obs)
	}
}

func TestUpsertObservations_UnknownStationRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		_, err := tx.UpsertObservations(ctx, []models.Observation{{StationID: "nope", Date: day("2024-01-01")}})
		return err
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestApplySync_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		if _, _, err := tx.UpsertStations(ctx, []models.Station{{StationID: "A", Latitude: 1, Longitude: 1}}); err != nil {
			return err
		}
		if _, err := tx.SaveSyncState(ctx, "test", "fp"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	stations, err := store.ListStations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stations) != 0 {
		t.Errorf("len(stations) = %d after rollback, want 0", len(stations))
	}
	gen, err := store.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 0 {
		t.Errorf("generation = %d after rollback, want 0", gen)
	}
}

func TestSyncState_Generation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st, err := store.SyncState(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatalf("SyncState before sync = %+v, want nil", st)
	}

	seed(t, store, nil, nil)
	seed(t, store, nil, nil)

	st, err = store.SyncState(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Generation != 2 || st.Fingerprint != "fp" {
		t.Errorf("SyncState = %+v, want generation 2 fingerprint fp", st)
	}
	gen, err := store.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 2 {
		t.Errorf("Generation = %d, want 2", gen)
	}
}

func TestView_SnapshotIgnoresLaterCommits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seed(t, store, []models.Station{{StationID: "A", Latitude: 50, Longitude: 8}},
		[]models.Observation{{StationID: "A", Date: day("2024-01-01"), TempMax: valid(1)}})

	view, err := store.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Close()

	before, err := view.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}

	seed(t, store, []models.Station{{StationID: "A", Latitude: 50, Longitude: 8}},
		[]models.Observation{{StationID: "A", Date: day("2024-01-02"), TempMax: valid(2)}})

	after, err := view.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("generation inside view moved from %d to %d", before, after)
	}
	ranges, err := view.GetRanges(ctx, []string{"A"}, day("2024-01-01"), day("2024-01-31"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges["A"]) != 1 {
		t.Errorf("view sees %d observations, want 1", len(ranges["A"]))
	}
}

func TestGetRanges_ManyStations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var stations []models.Station
	var obs []models.Observation
	var ids []string
	for i := 0; i < rangeChunk+20; i++ {
		id := fmt.Sprintf("%05d", i)
		stations = append(stations, models.Station{StationID: id, Latitude: 50, Longitude: 8})
		obs = append(obs, models.Observation{StationID: id, Date: day("2024-05-01"), TempMax: valid(float64(i))})
		ids = append(ids, id)
	}
	seed(t, store, stations, obs)

	view, err := store.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Close()

	ranges, err := view.GetRanges(ctx, ids, day("2024-05-01"), day("2024-05-01"))
	if err != nil {
		t.Fatalf("GetRanges: %v", err)
	}
	if len(ranges) != len(ids) {
		t.Errorf("len(ranges) = %d, want %d", len(ranges), len(ids))
	}
}

func TestCoverage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cov, err := store.Coverage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cov != nil {
		t.Errorf("Coverage on empty store = %+v, want nil", cov)
	}

	seed(t, store, []models.Station{{StationID: "A", Latitude: 50, Longitude: 8}}, []models.Observation{
		{StationID: "A", Date: day("1950-01-01")},
		{StationID: "A", Date: day("2023-12-31")},
		{StationID: "A", Date: day("1999-06-15")},
	})

	cov, err = store.Coverage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cov == nil || cov.MinDate != "1950-01-01" || cov.MaxDate != "2023-12-31" {
		t.Errorf("Coverage = %+v, want 1950-01-01..2023-12-31", cov)
	}
}

func TestSyncRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartSyncRun(ctx, "dwd")
	if err != nil {
		t.Fatalf("StartSyncRun: %v", err)
	}
	if run.ID == "" {
		t.Error("run.ID should be set")
	}

	run.Status = sql.NullString{String: "downloaded", Valid: true}
	run.RowsProcessed = 42
	run.Success = true
	if err := store.CompleteSyncRun(ctx, run); err != nil {
		t.Fatalf("CompleteSyncRun: %v", err)
	}

	failed, err := store.StartSyncRun(ctx, "dwd")
	if err != nil {
		t.Fatal(err)
	}
	failed.ErrorMessage = sql.NullString{String: "listing unavailable", Valid: true}
	if err := store.CompleteSyncRun(ctx, failed); err != nil {
		t.Fatal(err)
	}

	all, err := store.RecentSyncRuns(ctx, 10, false)
	if err != nil {
		t.Fatalf("RecentSyncRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	errs, err := store.RecentSyncRuns(ctx, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].ID != failed.ID {
		t.Fatalf("failed runs = %+v, want only %s", errs, failed.ID)
	}
	if errs[0].ErrorMessage.String != "listing unavailable" {
		t.Errorf("ErrorMessage = %q", errs[0].ErrorMessage.String)
	}
}

func TestRawPayload_StoreAndDedupe(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	payload := []byte("Stations_id von_datum bis_datum\n00433 19480101 20231231")

	var first, second int64
	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		var err error
		if first, err = tx.StoreRawPayload(ctx, "run-1", "dwd", "stations", payload); err != nil {
			return err
		}
		second, err = tx.StoreRawPayload(ctx, "run-1", "dwd", "stations", payload)
		return err
	})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if first == 0 {
		t.Error("first store should return an id")
	}
	if second != 0 {
		t.Errorf("duplicate store returned id %d, want 0", second)
	}

	got, err := store.GetRawPayload(ctx, first)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}

	latest, err := store.LatestRawPayload(ctx, "dwd", "stations")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != first {
		t.Errorf("LatestRawPayload = %+v, want id %d", latest, first)
	}
}

func TestSyncedFiles_RecordAndForget(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	mod := time.Date(2024, 3, 15, 9, 12, 0, 0, time.UTC)

	err := store.ApplySync(ctx, func(tx *SyncTx) error {
		for _, f := range []SyncedFile{
			{Name: "a_hist.zip", Size: 10, LastModified: mod, Fingerprint: "fa"},
			{Name: "b_hist.zip", Size: 20, Fingerprint: "fb"},
		} {
			if err := tx.RecordSyncedFile(ctx, "dwd", f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	files, err := store.SyncedFiles(ctx, "dwd")
	if err != nil {
		t.Fatalf("SyncedFiles: %v", err)
	}
	if len(files) != 2 || files["a_hist.zip"].Fingerprint != "fa" || !files["a_hist.zip"].LastModified.Equal(mod) {
		t.Errorf("files = %+v", files)
	}
	if !files["b_hist.zip"].LastModified.IsZero() {
		t.Errorf("unknown mtime = %v, want zero", files["b_hist.zip"].LastModified)
	}
	if other, err := store.SyncedFiles(ctx, "other"); err != nil || len(other) != 0 {
		t.Errorf("other source = %+v, %v", other, err)
	}

	var forgotten int
	err = store.ApplySync(ctx, func(tx *SyncTx) error {
		if err := tx.RecordSyncedFile(ctx, "dwd", SyncedFile{Name: "a_hist.zip", Size: 11, Fingerprint: "fa2"}); err != nil {
			return err
		}
		forgotten, err = tx.ForgetSyncedFilesExcept(ctx, "dwd", map[string]bool{"a_hist.zip": true})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if forgotten != 1 {
		t.Errorf("forgotten = %d, want 1", forgotten)
	}
	files, err = store.SyncedFiles(ctx, "dwd")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files["a_hist.zip"].Fingerprint != "fa2" || files["a_hist.zip"].Size != 11 {
		t.Errorf("files after update = %+v", files)
	}
}
