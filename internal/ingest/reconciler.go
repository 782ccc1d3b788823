package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/metrics"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/store"
)

var (
	ErrSyncBusy    = errors.New("sync already in progress")
	ErrSyncFailure = errors.New("sync failed")
)

type ReconcilerConfig struct {
	// FetchTimeout bounds the listing and all downloads of one sync.
	FetchTimeout time.Duration
	// Observations enables importing the daily archives. When false only
	// the station directory is reconciled.
	Observations bool
	// FetchConcurrency limits parallel archive downloads.
	FetchConcurrency int
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		FetchTimeout:     30 * time.Minute,
		Observations:     true,
		FetchConcurrency: 4,
	}
}

// Reconciler makes the store and directory match the upstream source. It
// is the only writer of either, and runs one sync at a time.
type Reconciler struct {
	store  *store.Store
	dir    *directory.Directory
	source Source
	cfg    ReconcilerConfig
	sem    *semaphore.Weighted

	// beforeCommit runs inside the write transaction after every write.
	beforeCommit func() error
}

func NewReconciler(st *store.Store, dir *directory.Directory, source Source, cfg ReconcilerConfig) *Reconciler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultReconcilerConfig().FetchTimeout
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	return &Reconciler{
		store:  st,
		dir:    dir,
		source: source,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
	}
}

// Reconcile runs one sync. A call made while another is running returns
// ErrSyncBusy immediately. Any failure after the listing was fetched wraps
// ErrSyncFailure and leaves the store and directory as they were.
func (r *Reconciler) Reconcile(ctx context.Context) (models.SyncOutcome, error) {
	if !r.sem.TryAcquire(1) {
		metrics.SyncOutcomes.WithLabelValues("busy").Inc()
		return models.SyncOutcome{}, ErrSyncBusy
	}
	defer r.sem.Release(1)

	start := time.Now()
	run, err := r.store.StartSyncRun(ctx, r.source.Name())
	if err != nil {
		log.Printf("sync: start sync run: %v", err)
	}

	outcome, err := r.reconcile(ctx, run)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if run != nil {
		outcome.RunID = run.ID
		run.Success = err == nil
		run.Status = sql.NullString{String: string(outcome.Status), Valid: outcome.Status != ""}
		run.RowsProcessed = int64(outcome.RowsProcessed)
		run.StationsInserted = int64(outcome.StationsInserted)
		run.StationsUpdated = int64(outcome.StationsUpdated)
		run.StationsStaled = int64(outcome.StationsStaled)
		run.Observations = int64(outcome.Observations)
		run.Archives = int64(outcome.Archives)
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := r.store.CompleteSyncRun(context.WithoutCancel(ctx), run); cerr != nil {
			log.Printf("sync: complete sync run: %v", cerr)
		}
	}

	if err != nil {
		metrics.SyncOutcomes.WithLabelValues("failure").Inc()
		log.Printf("sync: failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return outcome, err
	}
	metrics.SyncOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	log.Printf("sync: %s, %d rows, %d archives applied, %d unchanged in %s", outcome.Status, outcome.RowsProcessed,
		outcome.Archives, outcome.ArchivesUnchanged, time.Since(start).Round(time.Millisecond))
	return outcome, nil
}

func failure(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSyncFailure, stage, err)
}

func (r *Reconciler) reconcile(ctx context.Context, run *store.SyncRun) (models.SyncOutcome, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	entries, err := r.source.List(fetchCtx)
	if err != nil {
		return models.SyncOutcome{}, failure("list", err)
	}
	if len(entries) == 0 {
		return models.SyncOutcome{Status: models.SyncListingEmpty}, nil
	}

	var stationEntry *Entry
	var archives []Entry
	for i, e := range entries {
		switch {
		case e.Name == StationFile:
			stationEntry = &entries[i]
		case r.cfg.Observations && IsArchive(e.Name):
			archives = append(archives, e)
		}
	}
	if stationEntry == nil {
		return models.SyncOutcome{Status: models.SyncMissing}, nil
	}

	fingerprint := Fingerprint(append([]Entry{*stationEntry}, archives...))
	state, err := r.store.SyncState(ctx, r.source.Name())
	if err != nil {
		return models.SyncOutcome{}, failure("read sync state", err)
	}
	if state != nil && state.Fingerprint == fingerprint {
		return models.SyncOutcome{Status: models.SyncUpToDate}, nil
	}

	// Only files whose listing entry changed since they were last applied
	// are downloaded again.
	applied, err := r.store.SyncedFiles(ctx, r.source.Name())
	if err != nil {
		return models.SyncOutcome{}, failure("read sync files", err)
	}
	stationChanged := !isCurrent(applied, *stationEntry)

	var raw []byte
	var stations []models.Station
	if stationChanged {
		raw, err = r.source.Fetch(fetchCtx, StationFile)
		if err != nil {
			return models.SyncOutcome{}, failure("fetch stations", err)
		}
		var stats ParseStats
		stations, stats, err = ParseStations(raw)
		if err != nil {
			return models.SyncOutcome{}, failure("parse stations", err)
		}
		if stats.Skipped > 0 {
			metrics.ParseErrors.WithLabelValues("stations").Add(float64(stats.Skipped))
			log.Printf("sync: skipped %d station rows, first: %s", stats.Skipped, stats.FirstError)
		}
		if len(stations) == 0 {
			return models.SyncOutcome{}, failure("parse stations", errors.New("station file lists no stations"))
		}
	}

	listed := make(map[string]bool, len(entries))
	for _, e := range entries {
		listed[e.Name] = true
	}

	var runID string
	if run != nil {
		runID = run.ID
	}

	outcome := models.SyncOutcome{Status: models.SyncDownloaded}
	var committed []models.Station
	var generation int64
	err = r.store.ApplySync(ctx, func(tx *store.SyncTx) error {
		previous, err := tx.ListStations(ctx)
		if err != nil {
			return failure("list stations", err)
		}

		if stationChanged {
			inserted, updated, err := tx.UpsertStations(ctx, stations)
			if err != nil {
				return failure("upsert stations", err)
			}
			outcome.StationsInserted, outcome.StationsUpdated = inserted, updated

			keep := make(map[string]bool, len(stations))
			for _, st := range stations {
				keep[st.StationID] = true
			}
			if outcome.StationsStaled, err = tx.MarkStaleExcept(ctx, keep); err != nil {
				return failure("mark stale", err)
			}
			if _, err := tx.StoreRawPayload(ctx, runID, r.source.Name(), StationFile, raw); err != nil {
				return failure("store manifest", err)
			}
			if err := tx.RecordSyncedFile(ctx, r.source.Name(), syncedFile(*stationEntry)); err != nil {
				return failure("record station file", err)
			}
		}

		known, err := tx.ListStations(ctx)
		if err != nil {
			return failure("list stations", err)
		}

		// Rows of a station that was unknown when its archive was last
		// applied were dropped then, so its archive is applied again.
		added := make(map[string]bool)
		wasKnown := make(map[string]bool, len(previous))
		for _, st := range previous {
			wasKnown[st.StationID] = true
		}
		for _, st := range known {
			if !wasKnown[st.StationID] {
				added[st.StationID] = true
			}
		}

		var pending []Entry
		for _, e := range archives {
			if !isCurrent(applied, e) || added[ArchiveStationID(e.Name)] {
				pending = append(pending, e)
			}
		}
		outcome.ArchivesUnchanged = len(archives) - len(pending)
		if len(pending) > 0 {
			if err := r.importArchives(ctx, fetchCtx, tx, pending, known, &outcome); err != nil {
				return err
			}
		}

		if _, err := tx.ForgetSyncedFilesExcept(ctx, r.source.Name(), listed); err != nil {
			return failure("forget sync files", err)
		}
		if generation, err = tx.SaveSyncState(ctx, r.source.Name(), fingerprint); err != nil {
			return failure("save sync state", err)
		}
		if committed, err = tx.ListStations(ctx); err != nil {
			return failure("list stations", err)
		}

		if r.beforeCommit != nil {
			if err := r.beforeCommit(); err != nil {
				return failure("commit", err)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSyncFailure) {
			err = failure("commit", err)
		}
		return models.SyncOutcome{}, err
	}

	r.dir.Replace(committed, models.SyncState{
		Source:      r.source.Name(),
		Fingerprint: fingerprint,
		Generation:  generation,
		SyncedAt:    time.Now().UTC(),
	})

	outcome.RowsProcessed = outcome.StationsInserted + outcome.StationsUpdated + outcome.Observations
	metrics.RowsUpserted.WithLabelValues("stations").Add(float64(outcome.StationsInserted + outcome.StationsUpdated))
	metrics.RowsUpserted.WithLabelValues("observations").Add(float64(outcome.Observations))
	return outcome, nil
}

func isCurrent(applied map[string]store.SyncedFile, e Entry) bool {
	f, ok := applied[e.Name]
	return ok && f.Fingerprint == Fingerprint([]Entry{e})
}

func syncedFile(e Entry) store.SyncedFile {
	return store.SyncedFile{
		Name:         e.Name,
		Size:         e.Size,
		LastModified: e.LastModified,
		Fingerprint:  Fingerprint([]Entry{e}),
	}
}

type parsedArchive struct {
	entry        Entry
	observations []models.Observation
	stats        ParseStats
}

// importArchives downloads and parses archives concurrently and upserts
// them through tx one archive at a time as they arrive. Each applied archive
// is recorded as synced in the same transaction.
func (r *Reconciler) importArchives(ctx, fetchCtx context.Context, tx *store.SyncTx, archives []Entry, known []models.Station, outcome *models.SyncOutcome) error {
	knownIDs := make(map[string]bool, len(known))
	for _, st := range known {
		knownIDs[st.StationID] = true
	}

	fetchCtx, cancel := context.WithCancel(fetchCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(r.cfg.FetchConcurrency)
	results := make(chan parsedArchive)

	var fetchErr error
	go func() {
		defer close(results)
		for _, e := range archives {
			if gctx.Err() != nil {
				break
			}
			entry := e
			g.Go(func() error {
				data, err := r.source.Fetch(gctx, entry.Name)
				if err != nil {
					return failure("fetch archive", err)
				}
				obs, stats, err := ParseArchive(entry.Name, data)
				if err != nil {
					return failure("parse archive", err)
				}
				select {
				case results <- parsedArchive{entry: entry, observations: obs, stats: stats}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		fetchErr = g.Wait()
	}()

	var applyErr error
	unknown := 0
	for pa := range results {
		if applyErr != nil {
			continue
		}
		if pa.stats.Skipped > 0 {
			metrics.ParseErrors.WithLabelValues("archive").Add(float64(pa.stats.Skipped))
			log.Printf("sync: %s: skipped %d rows, first: %s", pa.entry.Name, pa.stats.Skipped, pa.stats.FirstError)
		}

		rows := pa.observations[:0]
		for _, obs := range pa.observations {
			if knownIDs[obs.StationID] {
				rows = append(rows, obs)
			} else {
				unknown++
			}
		}
		n, err := tx.UpsertObservations(ctx, rows)
		if err == nil {
			err = tx.RecordSyncedFile(ctx, r.source.Name(), syncedFile(pa.entry))
		}
		if err != nil {
			applyErr = failure("upsert observations", fmt.Errorf("%s: %w", pa.entry.Name, err))
			cancel()
			continue
		}
		outcome.Observations += n
		outcome.Archives++
	}

	if unknown > 0 {
		log.Printf("sync: dropped %d observations for stations missing from the station file", unknown)
	}
	if applyErr != nil {
		return applyErr
	}
	if fetchErr != nil {
		if !errors.Is(fetchErr, ErrSyncFailure) {
			fetchErr = failure("fetch archive", fetchErr)
		}
		return fetchErr
	}
	return nil
}
