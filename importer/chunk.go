package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"estate_importer/metrics"
	"estate_importer/models"
	"estate_importer/scraper"
	"estate_importer/services"
	"estate_importer/storage"
)

// RunChunk imports one page group of a run. Reruns converge: refs,
// properties and associations are upserts, imports are counted as soon as
// they are stored, and a listing attached before the run started is counted
// as skipped.
func (s *Service) RunChunk(ctx context.Context, p ChunkPayload) error {
	log := s.log.With().Str("run_id", p.RunID.String()).Str("chunk", p.label()).Logger()

	run, err := s.store.GetRun(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		log.Warn().Msg("run not found, skipping chunk")
		return nil
	}
	if !isLive(run) {
		log.Debug().Str("status", string(run.Status)).Msg("run no longer live, skipping chunk")
		return nil
	}

	search, err := s.store.GetSearch(ctx, p.SearchID)
	if err != nil {
		return fmt.Errorf("get search: %w", err)
	}
	if search == nil {
		log.Warn().Msg("search not found, skipping chunk")
		return s.record(ctx, p.RunID, storage.RunDelta{Completed: 1, Error: fmt.Sprintf("chunk %s: search not found", p.label())})
	}

	q := scraper.NewQuery(search)
	if p.MinPrice > 0 || p.MaxPrice > 0 {
		q = q.WithPrice(p.MinPrice, p.MaxPrice)
	}

	stubs, err := s.scraper.ScrapeStubs(ctx, q, p.StartPage, min(p.EndPage, scraper.MaxPageIndex))
	if err != nil {
		return fmt.Errorf("scrape stubs: %w", err)
	}
	if len(stubs) == 0 {
		log.Debug().Msg("no listings in page range")
		return s.record(ctx, p.RunID, storage.RunDelta{Completed: 1})
	}

	imported, skipped, queued, err := s.importStubs(ctx, run, p, stubs)
	if imported > 0 {
		// attachments made by a failed attempt are not counted again on retry
		if _, ierr := s.store.IncrementRun(context.WithoutCancel(ctx), p.RunID, storage.RunDelta{Imported: imported}); ierr != nil && err == nil {
			err = fmt.Errorf("increment imported: %w", ierr)
		}
	}
	if err != nil {
		return err
	}

	log.Info().
		Int("listings", len(stubs)).
		Int("imported", imported).
		Int("skipped", skipped).
		Int("queued_urls", queued).
		Msg("chunk done")

	err = s.record(ctx, p.RunID, storage.RunDelta{
		Completed:       1,
		Skipped:         skipped,
		TotalProperties: len(stubs),
	})
	if err != nil {
		return err
	}

	if err := sleep(ctx, s.cfg.ChunkDelay); err != nil {
		log.Debug().Err(err).Msg("chunk delay cut short")
	}
	return nil
}

// importStubs links, queues or fetches each listing on the chunk's pages.
// Counts are returned even on error so the caller can record partial work.
// A listing this run already attached, in an earlier attempt or another
// chunk, counts as neither imported nor skipped.
func (s *Service) importStubs(ctx context.Context, run *models.ImportRun, p ChunkPayload, stubs []scraper.Stub) (imported, skipped, queued int, err error) {
	var (
		pending []services.Target
		refURLs = make(map[int64]string)
	)
	for _, stub := range stubs {
		at, err := s.store.AttachedAt(ctx, p.SearchID, stub.ID)
		if err != nil {
			return imported, skipped, queued, fmt.Errorf("check association %d: %w", stub.ID, err)
		}
		if at != nil {
			if !attachedDuring(run, *at) {
				skipped++
			}
			continue
		}

		linked, err := s.linkKnown(ctx, p, stub)
		if err != nil {
			return imported, skipped, queued, err
		}
		if linked {
			imported++
			continue
		}

		ref := &models.ListingRef{URL: stub.URL, ListingID: stub.ID, SearchID: p.SearchID, Status: models.ListingPending}
		if err := s.store.UpsertListingRef(ctx, ref); err != nil {
			return imported, skipped, queued, fmt.Errorf("upsert listing ref %d: %w", stub.ID, err)
		}
		pending = append(pending, services.Target{ID: stub.ID, URL: stub.URL})
		refURLs[stub.ID] = stub.URL
	}
	queued = len(pending)

	if p.Mode == models.ModeFull && len(pending) > 0 {
		n, err := s.fetchAndPersist(ctx, p, pending, refURLs)
		imported += n
		if err != nil {
			return imported, skipped, queued, err
		}
	}
	return imported, skipped, queued, nil
}

func attachedDuring(run *models.ImportRun, at time.Time) bool {
	return run.StartedAt != nil && !at.Before(*run.StartedAt)
}

// linkKnown attaches a listing whose detail was already imported, possibly
// for another search, without fetching it again.
func (s *Service) linkKnown(ctx context.Context, p ChunkPayload, stub scraper.Stub) (bool, error) {
	ref, err := s.store.GetListingRef(ctx, stub.URL)
	if err != nil {
		return false, fmt.Errorf("get listing ref %d: %w", stub.ID, err)
	}
	if ref == nil || ref.Status != models.ListingCompleted {
		return false, nil
	}
	prop, err := s.store.GetProperty(ctx, stub.ID)
	if err != nil {
		return false, fmt.Errorf("get property %d: %w", stub.ID, err)
	}
	if prop == nil {
		return false, nil
	}
	created, err := s.store.AttachProperty(ctx, p.SearchID, prop.ID)
	if err != nil {
		return false, fmt.Errorf("attach property %d: %w", prop.ID, err)
	}
	if created {
		metrics.PropertiesImported.Inc()
	}
	return created, nil
}

// fetchAndPersist resolves the queued listings, stores them, and imports
// sold history for each before the chunk counts as done.
func (s *Service) fetchAndPersist(ctx context.Context, p ChunkPayload, targets []services.Target, refURLs map[int64]string) (int, error) {
	res, err := s.fetch.FetchAll(ctx, targets)
	if err != nil {
		return 0, fmt.Errorf("fetch details: %w", err)
	}

	imported := 0
	for _, prop := range res.Properties {
		created, err := s.persist(ctx, p.SearchID, prop, refURLs[prop.ID])
		if err != nil {
			return imported, err
		}
		if created {
			imported++
		}

		if prop.SoldLink == "" {
			continue
		}
		if err := s.queue.EnqueueSync(ctx, JobSold, SoldPayload{PropertyID: prop.ID}); err != nil {
			s.log.Warn().Err(err).Int64("property_id", prop.ID).Msg("sold history import failed")
		}
	}

	if res.Failed > 0 {
		s.log.Warn().Str("run_id", p.RunID.String()).Int("failed", res.Failed).Int("processed", res.Processed).Msg("some listings could not be fetched")
	}
	return imported, nil
}

// persist upserts a property, attaches it to the search and completes its
// listing ref. It reports whether the association is new.
func (s *Service) persist(ctx context.Context, searchID uuid.UUID, prop *models.Property, refURL string) (bool, error) {
	if err := s.store.UpsertProperty(ctx, prop); err != nil {
		return false, fmt.Errorf("upsert property %d: %w", prop.ID, err)
	}
	created, err := s.store.AttachProperty(ctx, searchID, prop.ID)
	if err != nil {
		return false, fmt.Errorf("attach property %d: %w", prop.ID, err)
	}
	if refURL == "" {
		refURL = prop.URL
	}
	if err := s.store.MarkListingRefCompleted(ctx, refURL); err != nil {
		return false, fmt.Errorf("complete listing ref %d: %w", prop.ID, err)
	}
	if created {
		metrics.PropertiesImported.Inc()
	}
	return created, nil
}
