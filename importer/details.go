package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"estate_importer/services"
	"estate_importer/storage"
)

// DetailsBatchSize is how many stored listing refs are fetched between
// cancellation checks.
const DetailsBatchSize = 60

// RunDetails fetches every pending listing ref of the run's search and
// stores the resulting properties. It counts as the run's single job.
func (s *Service) RunDetails(ctx context.Context, runID uuid.UUID) error {
	log := s.log.With().Str("run_id", runID.String()).Str("stage", "details").Logger()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		log.Warn().Msg("run not found, skipping details")
		return nil
	}
	if !isLive(run) {
		return nil
	}

	refs, err := s.store.ListPendingListingRefs(ctx, run.SearchID)
	if err != nil {
		return fmt.Errorf("list pending refs: %w", err)
	}

	// a retried attempt keeps the total from the first one
	if run.TotalProperties == 0 && len(refs) > 0 {
		if _, err := s.store.IncrementRun(ctx, runID, storage.RunDelta{TotalProperties: len(refs)}); err != nil {
			return fmt.Errorf("set total properties: %w", err)
		}
	}
	if err := s.store.SetRunMessage(ctx, runID, fmt.Sprintf("Fetching details for %d listings", len(refs))); err != nil {
		log.Warn().Err(err).Msg("set run message")
	}

	failed := 0
	for start := 0; start < len(refs); start += DetailsBatchSize {
		if start > 0 {
			current, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if !isLive(current) {
				log.Info().Int("done", start).Int("total", len(refs)).Msg("run stopped, leaving remaining listings pending")
				return nil
			}
		}

		end := min(start+DetailsBatchSize, len(refs))
		targets := make([]services.Target, 0, end-start)
		refURLs := make(map[int64]string, end-start)
		for _, ref := range refs[start:end] {
			targets = append(targets, services.Target{ID: ref.ListingID, URL: ref.URL})
			refURLs[ref.ListingID] = ref.URL
		}

		res, err := s.fetch.FetchAll(ctx, targets)
		if err != nil {
			return fmt.Errorf("fetch details: %w", err)
		}
		failed += res.Failed

		persisted := 0
		for _, prop := range res.Properties {
			if _, err := s.persist(ctx, run.SearchID, prop, refURLs[prop.ID]); err != nil {
				return err
			}
			persisted++
		}

		if _, err := s.store.IncrementRun(ctx, runID, storage.RunDelta{Imported: persisted}); err != nil {
			return fmt.Errorf("increment imported: %w", err)
		}
		log.Debug().Int("batch_end", end).Int("total", len(refs)).Int("persisted", persisted).Msg("detail batch stored")
	}

	delta := storage.RunDelta{Completed: 1}
	if failed > 0 {
		delta.Error = fmt.Sprintf("details: %d listings could not be fetched", failed)
	}
	log.Info().Int("listings", len(refs)).Int("failed", failed).Msg("details stage done")
	return s.record(ctx, runID, delta)
}
