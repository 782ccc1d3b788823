package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/lox/klima/internal/store"
)

// Scheduler periodically reconciles against the upstream source and prunes
// old manifest payloads.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	reconciler *Reconciler
	store      *store.Store
	interval   time.Duration
	retention  int
	timeout    time.Duration
}

// NewScheduler creates a scheduler. retentionDays <= 0 disables pruning.
func NewScheduler(reconciler *Reconciler, st *store.Store, interval time.Duration, retentionDays int) *Scheduler {
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		reconciler: reconciler,
		store:      st,
		interval:   interval,
		retention:  retentionDays,
		timeout:    reconciler.cfg.FetchTimeout + 5*time.Minute,
	}
}

// Start schedules the jobs and starts the underlying scheduler. The first
// sync runs immediately.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		log.Println("scheduler: sync interval not set; periodic sync disabled")
		return nil
	}

	if _, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.sync); err != nil {
		return err
	}
	if s.retention > 0 {
		if _, err := s.scheduler.Every(1).Day().At("03:30").Do(s.prune); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	log.Printf("scheduler: syncing every %s", s.interval)
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	outcome, err := s.reconciler.Reconcile(ctx)
	switch {
	case errors.Is(err, ErrSyncBusy):
		log.Println("scheduler: sync already running, skipping")
	case err != nil:
		log.Printf("scheduler: sync: %v", err)
	default:
		log.Printf("scheduler: sync %s (%d rows)", outcome.Status, outcome.RowsProcessed)
	}
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.store.CleanupOldRawPayloads(ctx, s.retention)
	if err != nil {
		log.Printf("scheduler: prune raw payloads: %v", err)
		return
	}
	if n > 0 {
		log.Printf("scheduler: pruned %d raw payloads older than %d days", n, s.retention)
	}
}
