package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lox/klima/internal/api"
	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/ingest"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/report"
	"github.com/lox/klima/internal/store"
)

var testStations = []models.Station{
	{StationID: "00433", Name: "Berlin-Tempelhof", Latitude: 52.4675, Longitude: 13.4021, State: "Berlin"},
	{StationID: "00427", Name: "Berlin-Schönefeld", Latitude: 52.3807, Longitude: 13.5306, State: "Brandenburg"},
	{StationID: "03987", Name: "Potsdam", Latitude: 52.3813, Longitude: 13.0622, State: "Brandenburg"},
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

type fakeSyncer struct {
	outcome models.SyncOutcome
	err     error
}

func (f fakeSyncer) Reconcile(ctx context.Context) (models.SyncOutcome, error) {
	return f.outcome, f.err
}

func newServer(t *testing.T, syncer api.Syncer) *api.Server {
	t.Helper()
	ctx := context.Background()
	s := setupTestStore(t)

	err := s.ApplySync(ctx, func(tx *store.SyncTx) error {
		if _, _, err := tx.UpsertStations(ctx, testStations); err != nil {
			return err
		}
		_, err := tx.UpsertObservations(ctx, []models.Observation{
			{StationID: "00433", Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TempMax: sql.NullFloat64{Float64: 4.5, Valid: true}},
			{StationID: "00433", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), TempMax: sql.NullFloat64{Float64: 5.5, Valid: true}},
		})
		if err != nil {
			return err
		}
		_, err = tx.SaveSyncState(ctx, "dwd", "fp")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := directory.New()
	if err := dir.Load(ctx, s); err != nil {
		t.Fatal(err)
	}
	engine := report.NewEngine(s, dir, report.DefaultConfig())
	return api.NewServer(s, dir, engine, syncer, "8080")
}

func get(t *testing.T, srv *api.Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/health")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Stations != 3 || health.Generation != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestNearestEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/stations/nearest?lat=52.52&lon=13.405")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var n models.Neighbor
	if err := json.Unmarshal(w.Body.Bytes(), &n); err != nil {
		t.Fatal(err)
	}
	if n.Station.StationID != "00433" || n.DistanceKM <= 0 {
		t.Errorf("nearest = %+v", n)
	}
}

func TestNearestEndpoint_BadInput(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	for _, target := range []string{
		"/api/stations/nearest?lat=52.52",
		"/api/stations/nearest?lat=abc&lon=13",
		"/api/stations/nearest?lat=91&lon=13",
		"/api/stations/nearest?lat=52&lon=-181",
	} {
		if w := get(t, srv, "GET", target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestRadiusEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	tests := []struct {
		target string
		code   int
		count  int
	}{
		{"/api/stations/radius?lat=52.52&lon=13.405&radius=40", 200, 3},
		{"/api/stations/radius?lat=52.52&lon=13.405&radius=40&limit=2", 200, 2},
		{"/api/stations/radius?lat=52.52&lon=13.405&radius=40&limit=0", 200, 1},
		{"/api/stations/radius?lat=52.52&lon=13.405&radius=40&limit=5000", 200, 3},
		{"/api/stations/radius?lat=0&lon=0&radius=10", 200, 0},
		{"/api/stations/radius?lat=52.52&lon=13.405&radius=0", 400, 0},
		{"/api/stations/radius?lat=52.52&lon=13.405", 400, 0},
	}
	for _, tt := range tests {
		w := get(t, srv, "GET", tt.target)
		if w.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.target, tt.code, w.Code)
			continue
		}
		if tt.code != 200 {
			continue
		}
		var neighbors []models.Neighbor
		if err := json.Unmarshal(w.Body.Bytes(), &neighbors); err != nil {
			t.Fatal(err)
		}
		if len(neighbors) != tt.count {
			t.Errorf("%s: got %d stations, want %d", tt.target, len(neighbors), tt.count)
		}
	}
}

func TestStationEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/stations/433")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"Berlin-Tempelhof"`) {
		t.Errorf("body = %s", w.Body)
	}

	if w := get(t, srv, "GET", "/api/stations/99999"); w.Code != http.StatusNotFound {
		t.Errorf("unknown station: expected 404, got %d", w.Code)
	}
}

func TestReportEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/report?lat=52.52&lon=13.405&start=2024-01-01&end=2024-01-03")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var rep models.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.NoData || len(rep.Buckets) != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Buckets[2].SampleCount != 0 || rep.Buckets[2].MeanTempMax != nil {
		t.Errorf("third day should be empty: %+v", rep.Buckets[2])
	}
	if rep.TrendSlope == nil || *rep.TrendSlope != 1 {
		t.Errorf("trend = %v, want 1", rep.TrendSlope)
	}
}

func TestReportEndpoint_NoData(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/report?lat=52.52&lon=13.405&start=2010-01-01&end=2010-01-31&granularity=month")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"no_data":true`) {
		t.Errorf("body = %s", w.Body)
	}
}

func TestReportEndpoint_BadRequests(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	tomorrow := time.Now().AddDate(0, 0, 1).Format(models.DateLayout)
	for _, target := range []string{
		"/api/report?lat=52.52&lon=13.405&start=2024-02-01&end=2024-01-01",
		"/api/report?lat=52.52&lon=13.405&start=2024-01-01&end=" + tomorrow,
		"/api/report?lat=52.52&lon=13.405&start=2024-01-01",
		"/api/report?lat=52.52&lon=13.405&start=01.01.2024&end=2024-01-02",
		"/api/report?lat=52.52&lon=13.405&start=2024-01-01&end=2024-01-02&granularity=year",
		"/api/report?lat=52.52&lon=13.405&start=2024-01-01&end=2024-01-02&metric=wind",
		"/api/report?lat=52.52&lon=13.405&start=2024-01-01&end=2024-01-02&radius=-5",
	} {
		if w := get(t, srv, "GET", target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", target, w.Code, w.Body)
		}
	}
}

func TestSyncEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		syncer api.Syncer
		code   int
	}{
		{"downloaded", fakeSyncer{outcome: models.SyncOutcome{Status: models.SyncDownloaded, RowsProcessed: 12}}, 200},
		{"busy", fakeSyncer{err: ingest.ErrSyncBusy}, http.StatusConflict},
		{"failure", fakeSyncer{err: fmt.Errorf("%w: list: connection refused", ingest.ErrSyncFailure)}, http.StatusBadGateway},
		{"disabled", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.syncer)
			w := get(t, srv, "POST", "/api/sync")
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, w.Code, w.Body)
			}
		})
	}

	srv := newServer(t, nil)
	if w := get(t, srv, "GET", "/api/sync"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/sync: expected 405, got %d", w.Code)
	}
}

func TestCoverageEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/coverage")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var cov models.Coverage
	if err := json.Unmarshal(w.Body.Bytes(), &cov); err != nil {
		t.Fatal(err)
	}
	if cov.MinDate != "2024-01-01" || cov.MaxDate != "2024-01-02" {
		t.Errorf("coverage = %+v", cov)
	}
}

func TestSyncRunsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	w := get(t, srv, "GET", "/api/sync/runs?limit=5")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if w := get(t, srv, "GET", "/api/sync/runs?limit=x"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil)

	get(t, srv, "GET", "/health")
	w := get(t, srv, "GET", "/metrics")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "klima_http_requests_total") {
		t.Error("expected klima_http_requests_total in metrics output")
	}
}
