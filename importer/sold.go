package importer

import (
	"context"
	"fmt"

	"estate_importer/metrics"
	"estate_importer/scraper"
)

const (
	// MaxSoldPages bounds sold-history pagination per property.
	MaxSoldPages = 10
)

// ImportSold pages through a property's sold history and stores every
// record. A property with no derivable sold link is marked done and
// skipped. Pagination stops at the first failed page or a page with fewer
// rows than a full one.
func (s *Service) ImportSold(ctx context.Context, propertyID int64) (int, error) {
	log := s.log.With().Int64("property_id", propertyID).Str("stage", "sold").Logger()

	prop, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return 0, fmt.Errorf("get property: %w", err)
	}
	if prop == nil {
		log.Warn().Msg("property not found, skipping sold history")
		return 0, nil
	}

	link := prop.SoldLink
	if link == "" {
		link = scraper.SoldLinkFromAddress(prop.Address)
		if link == "" && prop.Postcode != "" {
			link = scraper.SoldLinkFromAddress(prop.Postcode)
		}
		if link == "" {
			log.Debug().Err(scraper.ErrNoSoldLink).Str("address", prop.Address).Msg("skipping sold history")
			return 0, s.markSold(ctx, propertyID)
		}
		if err := s.store.SetSoldLink(ctx, propertyID, link); err != nil {
			return 0, fmt.Errorf("set sold link: %w", err)
		}
	}

	stored := 0
	for page := 1; page <= MaxSoldPages; page++ {
		res, err := s.scraper.SoldPage(ctx, link, page)
		if err != nil {
			log.Warn().Err(err).Int("page", page).Msg("sold page failed, stopping")
			break
		}
		if res.Rows == 0 {
			break
		}

		for i := range res.Records {
			rec := &res.Records[i]
			rec.PropertyID = propertyID
			if err := s.store.UpsertSoldProperty(ctx, rec); err != nil {
				return stored, fmt.Errorf("upsert sold %q: %w", rec.Location, err)
			}
			stored++
		}

		if !res.Full() {
			break
		}
		if err := sleep(ctx, s.cfg.SoldPageDelay); err != nil {
			return stored, err
		}
	}

	metrics.SoldRecordsTotal.Add(float64(stored))
	log.Debug().Int("records", stored).Msg("sold history imported")
	return stored, s.markSold(ctx, propertyID)
}

func (s *Service) markSold(ctx context.Context, propertyID int64) error {
	if err := s.store.MarkSoldImported(ctx, propertyID, s.now()); err != nil {
		return fmt.Errorf("mark sold imported: %w", err)
	}
	return nil
}
