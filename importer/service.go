// Package importer plans, runs and tracks listing imports for saved searches.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"estate_importer/config"
	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/scraper"
	"estate_importer/services"
	"estate_importer/storage"
)

var (
	ErrRunNotFound      = errors.New("import run not found")
	ErrSearchNotFound   = errors.New("search not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidMode      = errors.New("invalid import mode")
)

// Scraper is the page-level access the importer needs from the source site.
type Scraper interface {
	Probe(ctx context.Context, q scraper.Query) (int, error)
	ScrapeStubs(ctx context.Context, q scraper.Query, start, end int) ([]scraper.Stub, error)
	SoldPage(ctx context.Context, link string, page int) (*scraper.SoldResults, error)
}

// DetailFetcher resolves listing URLs to properties.
type DetailFetcher interface {
	FetchAll(ctx context.Context, targets []services.Target) (*services.FetchResult, error)
}

// JobQueue is the dispatch side of the job queue.
type JobQueue interface {
	Register(jobType string, def queue.Definition)
	Enqueue(ctx context.Context, jobType string, payload any, opts queue.Options) (string, error)
	EnqueueBatch(ctx context.Context, jobType string, payloads []any, opts queue.Options) ([]string, error)
	EnqueueSync(ctx context.Context, jobType string, payload any) error
	ProcessNext(ctx context.Context, queues ...string) (bool, error)
}

type Deps struct {
	Store   storage.Store
	Queue   JobQueue
	Scraper Scraper
	Fetch   DetailFetcher
	Config  config.ImportConfig
	Log     zerolog.Logger
}

// Service is the import engine: it registers the job handlers and exposes
// start, status, cancel and schedule operations.
type Service struct {
	store       storage.Store
	queue       JobQueue
	scraper     Scraper
	fetch       DetailFetcher
	cfg         config.ImportConfig
	partitioner *Partitioner
	log         zerolog.Logger
	now         func() time.Time
}

func New(d Deps) *Service {
	s := &Service{
		store:   d.Store,
		queue:   d.Queue,
		scraper: d.Scraper,
		fetch:   d.Fetch,
		cfg:     d.Config,
		log:     d.Log,
		now:     time.Now,
	}
	if s.cfg.SoldBatchSize <= 0 {
		s.cfg.SoldBatchSize = 5
	}
	s.partitioner = NewPartitioner(d.Scraper.Probe, d.Config.ProbeDelay, d.Log.With().Str("stage", "partition").Logger())
	s.registerJobs()
	return s
}

// StartImport creates a pending run for the search and queues its
// orchestration. An empty mode means full.
func (s *Service) StartImport(ctx context.Context, searchID uuid.UUID, mode models.RunMode) (uuid.UUID, error) {
	return s.startRun(ctx, searchID, mode, nil)
}

func (s *Service) startRun(ctx context.Context, searchID uuid.UUID, mode models.RunMode, scheduleID *uuid.UUID) (uuid.UUID, error) {
	if mode == "" {
		mode = models.ModeFull
	}
	if !mode.Valid() {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	search, err := s.store.GetSearch(ctx, searchID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get search: %w", err)
	}
	if search == nil {
		return uuid.Nil, ErrSearchNotFound
	}

	run := &models.ImportRun{
		SearchID:   searchID,
		ScheduleID: scheduleID,
		Status:     models.RunStatusPending,
		Mode:       mode,
		Message:    "Queued",
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, JobOrchestrate, RunPayload{RunID: run.ID}, queue.Options{}); err != nil {
		s.failRun(ctx, run.ID, "enqueue orchestration: "+err.Error())
		return uuid.Nil, fmt.Errorf("enqueue orchestration: %w", err)
	}

	s.log.Info().Str("run_id", run.ID.String()).Str("search", search.Name).Str("mode", string(mode)).Msg("import queued")
	return run.ID, nil
}

// Status is the polling view of a run.
type Status struct {
	RunID              uuid.UUID        `json:"run_id"`
	SearchID           uuid.UUID        `json:"search_id"`
	Status             models.RunStatus `json:"status"`
	Mode               models.RunMode   `json:"mode"`
	Percentage         float64          `json:"percentage"`
	TotalJobs          int              `json:"total_jobs"`
	CompletedJobs      int              `json:"completed_jobs"`
	FailedJobs         int              `json:"failed_jobs"`
	TotalProperties    int              `json:"total_properties"`
	ImportedProperties int              `json:"imported_properties"`
	SkippedProperties  int              `json:"skipped_properties"`
	SplitCount         int              `json:"split_count"`
	MaxDepth           int              `json:"max_depth"`
	Message            string           `json:"message"`
	Error              string           `json:"error,omitempty"`
	ElapsedSeconds     float64          `json:"elapsed_seconds"`
	RemainingSeconds   float64          `json:"estimated_remaining_seconds"`
}

func (s *Service) GetStatus(ctx context.Context, runID uuid.UUID) (*Status, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return statusOf(run, s.now()), nil
}

func statusOf(run *models.ImportRun, now time.Time) *Status {
	return &Status{
		RunID:              run.ID,
		SearchID:           run.SearchID,
		Status:             run.Status,
		Mode:               run.Mode,
		Percentage:         run.Percentage(),
		TotalJobs:          run.TotalJobs,
		CompletedJobs:      run.CompletedJobs,
		FailedJobs:         run.FailedJobs,
		TotalProperties:    run.TotalProperties,
		ImportedProperties: run.ImportedProperties,
		SkippedProperties:  run.SkippedProperties,
		SplitCount:         run.SplitCount,
		MaxDepth:           run.MaxDepth,
		Message:            run.Message,
		Error:              run.ErrorLog,
		ElapsedSeconds:     run.Elapsed(now).Seconds(),
		RemainingSeconds:   run.EstimatedRemaining(now).Seconds(),
	}
}

// Cancel stops a live run. Workers notice at their next checkpoint. A run
// that already finished is returned unchanged.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID) (*models.ImportRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	updated, err := s.apply(ctx, run, EventCancel)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return s.store.GetRun(ctx, runID)
	}
	s.log.Info().Str("run_id", runID.String()).Msg("import cancelled")
	return updated, nil
}

// failRun moves a live run straight to failed with an error entry.
func (s *Service) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.IncrementRun(ctx, runID, storage.RunDelta{Error: reason}); err != nil {
		s.log.Error().Err(err).Str("run_id", runID.String()).Msg("record run error")
	}
	_, err := s.store.TransitionRun(ctx, runID, storage.RunTransition{
		From:     []models.RunStatus{models.RunStatusPending, models.RunStatusProcessing},
		To:       models.RunStatusFailed,
		Complete: true,
		Message:  reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID.String()).Msg("fail run")
	}
}

// isLive reports whether workers should still act on the run.
func isLive(run *models.ImportRun) bool {
	return run != nil && !run.Status.Terminal()
}
