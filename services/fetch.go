package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"estate_importer/metrics"
	"estate_importer/models"
	"estate_importer/scraper"
	"estate_importer/storage"
)

const (
	DefaultBatchSize  = 30
	DefaultBatchDelay = 500 * time.Millisecond
	DefaultCacheTTL   = time.Hour
)

// DetailSource fetches and parses one listing page.
type DetailSource interface {
	Detail(ctx context.Context, pageURL string) (*models.Property, error)
}

// PropertyLookup is the slice of the store the fetch service reads from.
type PropertyLookup interface {
	GetProperty(ctx context.Context, id int64) (*models.Property, error)
}

// Target is one listing to resolve.
type Target struct {
	ID  int64
	URL string
}

// FetchResult holds resolved properties in input order. Failed targets are
// omitted from Properties.
type FetchResult struct {
	Properties []*models.Property
	Processed  int
	Failed     int
}

type FetchOptions struct {
	BatchSize  int
	BatchDelay time.Duration
	CacheTTL   time.Duration
}

// FetchService resolves listing URLs cheapest-first: cache, then the store,
// then a live fetch in bounded concurrent batches.
type FetchService struct {
	source DetailSource
	store  PropertyLookup
	cache  storage.Cache
	opts   FetchOptions
	log    zerolog.Logger
}

func NewFetchService(source DetailSource, store PropertyLookup, cache storage.Cache, opts FetchOptions, log zerolog.Logger) *FetchService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &FetchService{source: source, store: store, cache: cache, opts: opts, log: log}
}

// FetchAll resolves every target. Per-target failures are counted, never
// returned; the only error is context cancellation.
func (s *FetchService) FetchAll(ctx context.Context, targets []Target) (*FetchResult, error) {
	resolved := make([]*models.Property, len(targets))
	var live []int

	for i, t := range targets {
		if p := s.fromCache(ctx, t); p != nil {
			resolved[i] = p
			metrics.FetchResolutions.WithLabelValues("cache").Inc()
			continue
		}
		if p := s.fromStore(ctx, t); p != nil {
			resolved[i] = p
			metrics.FetchResolutions.WithLabelValues("store").Inc()
			continue
		}
		live = append(live, i)
	}

	for start := 0; start < len(live); start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return s.result(targets, resolved), ctx.Err()
			case <-time.After(s.opts.BatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return s.result(targets, resolved), err
		}

		end := start + s.opts.BatchSize
		if end > len(live) {
			end = len(live)
		}

		var g errgroup.Group
		for _, idx := range live[start:end] {
			g.Go(func() error {
				resolved[idx] = s.fetchLive(ctx, targets[idx])
				return nil
			})
		}
		g.Wait()

		s.log.Debug().Int("batch_start", start).Int("batch_size", end-start).Int("live_total", len(live)).Msg("fetch batch settled")
	}

	return s.result(targets, resolved), nil
}

func (s *FetchService) result(targets []Target, resolved []*models.Property) *FetchResult {
	out := &FetchResult{Processed: len(targets)}
	for _, p := range resolved {
		if p == nil {
			out.Failed++
			continue
		}
		out.Properties = append(out.Properties, p)
	}
	return out
}

func (s *FetchService) fetchLive(ctx context.Context, t Target) *models.Property {
	p, err := s.source.Detail(ctx, t.URL)
	if err != nil {
		metrics.FetchResolutions.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("url", t.URL).Msg("detail fetch failed")
		return nil
	}
	metrics.FetchResolutions.WithLabelValues("live").Inc()

	if s.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, cacheKey(t.URL), data, s.opts.CacheTTL); err != nil {
				s.log.Debug().Err(err).Str("url", t.URL).Msg("cache write failed")
			}
		}
	}
	return p
}

func (s *FetchService) fromCache(ctx context.Context, t Target) *models.Property {
	if s.cache == nil {
		return nil
	}
	data, ok, err := s.cache.Get(ctx, cacheKey(t.URL))
	if err != nil {
		s.log.Debug().Err(err).Str("url", t.URL).Msg("cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var p models.Property
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

func (s *FetchService) fromStore(ctx context.Context, t Target) *models.Property {
	if s.store == nil {
		return nil
	}
	id := t.ID
	if n, ok := scraper.ListingIDFromURL(t.URL); ok {
		id = n
	}
	if id == 0 {
		return nil
	}
	p, err := s.store.GetProperty(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Int64("property_id", id).Msg("store lookup failed")
		return nil
	}
	return p
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return "listing:" + hex.EncodeToString(sum[:])
}
