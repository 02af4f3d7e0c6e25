package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/scraper"
	"estate_importer/storage"
)

// Orchestrate plans a run and queues its chunk jobs. A run that already has
// a plan is left alone, so a retried orchestration never duplicates chunks.
func (s *Service) Orchestrate(ctx context.Context, runID uuid.UUID) error {
	log := s.log.With().Str("run_id", runID.String()).Logger()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		log.Warn().Msg("run not found, skipping orchestration")
		return nil
	}
	if !isLive(run) || run.TotalJobs > 0 {
		return nil
	}

	search, err := s.store.GetSearch(ctx, run.SearchID)
	if err != nil {
		return fmt.Errorf("get search: %w", err)
	}
	if search == nil {
		s.failRun(ctx, runID, "search not found")
		return nil
	}

	if started, err := s.apply(ctx, run, EventStart); err != nil {
		return err
	} else if started != nil {
		run = started
	}

	if run.Mode == models.ModeFetchDetails {
		return s.planDetails(ctx, run)
	}

	if err := s.store.SetRunMessage(ctx, runID, "Probing result count"); err != nil {
		log.Warn().Err(err).Msg("set run message")
	}

	plan := s.partitioner.Plan(ctx, scraper.NewQuery(search))
	if err := ctx.Err(); err != nil {
		return err
	}

	planned, err := s.store.SetRunPlan(ctx, runID, storage.RunPlan{
		TotalJobs:  len(plan.Groups),
		SplitCount: plan.SplitCount,
		MaxDepth:   plan.MaxDepth,
		Message:    plan.Summary(),
	})
	if err != nil {
		return fmt.Errorf("set run plan: %w", err)
	}
	if planned == nil {
		// another attempt planned it first
		return nil
	}

	payloads := make([]any, len(plan.Groups))
	for i, g := range plan.Groups {
		payloads[i] = ChunkPayload{RunID: runID, SearchID: run.SearchID, Mode: run.Mode, PageGroup: g}
	}
	if _, err := s.queue.EnqueueBatch(ctx, JobChunk, payloads, queue.Options{}); err != nil {
		s.failRun(ctx, runID, "queue chunk jobs: "+err.Error())
		return nil
	}

	log.Info().
		Str("strategy", string(plan.Strategy)).
		Int("total", plan.Total).
		Int("chunks", len(plan.Chunks)).
		Int("jobs", len(plan.Groups)).
		Int("splits", plan.SplitCount).
		Int("max_depth", plan.MaxDepth).
		Msg("import planned")
	return nil
}

// planDetails sets up a run started directly in fetch_details mode: one job
// working through the search's pending listing refs.
func (s *Service) planDetails(ctx context.Context, run *models.ImportRun) error {
	planned, err := s.store.SetRunPlan(ctx, run.ID, storage.RunPlan{TotalJobs: 1, Message: "Fetching details for stored listings"})
	if err != nil {
		return fmt.Errorf("set run plan: %w", err)
	}
	if planned == nil {
		return nil
	}
	if _, err := s.queue.Enqueue(ctx, JobDetails, RunPayload{RunID: run.ID}, queue.Options{}); err != nil {
		s.failRun(ctx, run.ID, "queue details job: "+err.Error())
	}
	return nil
}
