// Package api serves station lookups, reports and sync control as JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/metrics"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/report"
	"github.com/lox/klima/internal/store"
)

// Syncer runs one reconciliation against the upstream source.
type Syncer interface {
	Reconcile(ctx context.Context) (models.SyncOutcome, error)
}

type Server struct {
	store    *store.Store
	dir      *directory.Directory
	engine   *report.Engine
	syncer   Syncer
	port     string
	validate *validator.Validate
}

// NewServer wires the API. syncer may be nil, in which case POST /api/sync
// is unavailable.
func NewServer(st *store.Store, dir *directory.Directory, engine *report.Engine, syncer Syncer, port string) *Server {
	return &Server{
		store:    st,
		dir:      dir,
		engine:   engine,
		syncer:   syncer,
		port:     port,
		validate: validator.New(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", s.instrument("health", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /api/stations/nearest", s.instrument("nearest", s.handleNearest))
	mux.Handle("GET /api/stations/radius", s.instrument("radius", s.handleRadius))
	mux.Handle("GET /api/stations/{id}", s.instrument("station", s.handleStation))
	mux.Handle("GET /api/report", s.instrument("report", s.handleReport))
	mux.Handle("GET /api/coverage", s.instrument("coverage", s.handleCoverage))
	mux.Handle("POST /api/sync", s.instrument("sync", s.handleSync))
	mux.Handle("GET /api/sync/runs", s.instrument("sync_runs", s.handleSyncRuns))
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
