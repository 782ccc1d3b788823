package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/geo"
	"github.com/lox/klima/internal/ingest"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/report"
)

const (
	defaultRadiusLimit = 40
	maxRadiusLimit     = 200
	defaultRunsLimit   = 20
	maxRunsLimit       = 100
)

type pointQuery struct {
	Lat float64 `validate:"min=-90,max=90"`
	Lon float64 `validate:"min=-180,max=180"`
}

type radiusQuery struct {
	pointQuery
	RadiusKM float64 `validate:"gt=0"`
	Limit    int
}

type reportQuery struct {
	pointQuery
	RadiusKM    *float64 `validate:"omitempty,gt=0"`
	Start       string   `validate:"required,datetime=2006-01-02"`
	End         string   `validate:"required,datetime=2006-01-02"`
	Granularity string   `validate:"omitempty,oneof=day week month"`
	Metric      string   `validate:"omitempty,oneof=t_max t_min t_mean precipitation"`
	Limit       int      `validate:"min=0,max=200"`
}

func parseFloat(q url.Values, name string) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func parseInt(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func parsePoint(q url.Values) (pointQuery, error) {
	lat, err := parseFloat(q, "lat")
	if err != nil {
		return pointQuery{}, err
	}
	lon, err := parseFloat(q, "lon")
	if err != nil {
		return pointQuery{}, err
	}
	return pointQuery{Lat: lat, Lon: lon}, nil
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	p, err := parsePoint(r.URL.Query())
	if err == nil {
		err = s.validate.Struct(p)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n, ok, err := s.dir.Nearest(p.Lat, p.Lon)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no stations loaded"))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRadius(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := parsePoint(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rq := radiusQuery{pointQuery: p}
	if rq.RadiusKM, err = parseFloat(q, "radius"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if rq.Limit, err = parseInt(q, "limit", defaultRadiusLimit); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rq.Limit = max(1, min(rq.Limit, maxRadiusLimit))
	if err := s.validate.Struct(rq); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	neighbors, err := s.dir.WithinRadius(rq.Lat, rq.Lon, rq.RadiusKM, rq.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if neighbors == nil {
		neighbors = []models.Neighbor{}
	}
	writeJSON(w, http.StatusOK, neighbors)
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if n, err := strconv.Atoi(id); err == nil && n >= 0 {
		id = fmt.Sprintf("%05d", n)
	}

	st, err := s.store.GetStation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("station %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := parsePoint(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rq := reportQuery{
		pointQuery:  p,
		Start:       q.Get("start"),
		End:         q.Get("end"),
		Granularity: q.Get("granularity"),
		Metric:      q.Get("metric"),
	}
	if q.Has("radius") {
		radius, err := parseFloat(q, "radius")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rq.RadiusKM = &radius
	}
	if rq.Limit, err = parseInt(q, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(rq); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Both dates passed the datetime check above.
	start, _ := time.Parse(models.DateLayout, rq.Start)
	end, _ := time.Parse(models.DateLayout, rq.End)

	rep, err := s.engine.Aggregate(r.Context(), report.Request{
		Lat:         rq.Lat,
		Lon:         rq.Lon,
		RadiusKM:    rq.RadiusKM,
		Start:       start,
		End:         end,
		Granularity: models.Granularity(rq.Granularity),
		Metric:      models.Metric(rq.Metric),
		Limit:       rq.Limit,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, report.ErrInvalidDateRange),
		errors.Is(err, report.ErrInvalidGranularity),
		errors.Is(err, report.ErrInvalidMetric),
		errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, directory.ErrInvalidRadius):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	cov, err := s.store.Coverage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cov == nil {
		cov = &models.Coverage{}
	}
	writeJSON(w, http.StatusOK, cov)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sync is disabled"))
		return
	}

	// A sync can outlast the server's write timeout, and a client that
	// disconnects does not abort it.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("api: clear write deadline: %v", err)
	}
	outcome, err := s.syncer.Reconcile(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, ingest.ErrSyncBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ingest.ErrSyncFailure):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q, "limit", defaultRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit = max(1, min(limit, maxRunsLimit))
	failedOnly := q.Get("failed") == "true"

	runs, err := s.store.RecentSyncRuns(r.Context(), limit, failedOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type HealthStatus struct {
	Status      string `json:"status"`
	Stations    int    `json:"stations"`
	Generation  int64  `json:"generation"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:      "ok",
		Stations:    s.dir.Len(),
		Generation:  s.dir.Generation(),
		Fingerprint: s.dir.Fingerprint(),
	}

	gen, err := s.store.Generation(r.Context())
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	if gen != health.Generation {
		health.Status = "degraded"
		health.Error = fmt.Sprintf("directory at generation %d, store at %d", health.Generation, gen)
	}
	writeJSON(w, http.StatusOK, health)
}
