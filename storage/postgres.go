package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"estate_importer/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// =============================================================================
// Searches
// =============================================================================

func (s *PostgresStore) UpsertSearch(ctx context.Context, q *models.SearchQuery) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	query := `
		INSERT INTO search_queries (id, name, url, min_price, max_price, min_bedrooms, max_bedrooms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			min_price = EXCLUDED.min_price,
			max_price = EXCLUDED.max_price,
			min_bedrooms = EXCLUDED.min_bedrooms,
			max_bedrooms = EXCLUDED.max_bedrooms,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query,
		q.ID, q.Name, q.URL, q.MinPrice, q.MaxPrice, q.MinBedrooms, q.MaxBedrooms,
	).Scan(&q.CreatedAt, &q.UpdatedAt)
}

const searchColumns = `id, name, url, min_price, max_price, min_bedrooms, max_bedrooms, created_at, updated_at`

func scanSearch(row pgx.Row) (*models.SearchQuery, error) {
	var q models.SearchQuery
	err := row.Scan(&q.ID, &q.Name, &q.URL, &q.MinPrice, &q.MaxPrice, &q.MinBedrooms, &q.MaxBedrooms, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *PostgresStore) GetSearch(ctx context.Context, id uuid.UUID) (*models.SearchQuery, error) {
	return scanSearch(s.pool.QueryRow(ctx, `SELECT `+searchColumns+` FROM search_queries WHERE id = $1`, id))
}

func (s *PostgresStore) ListSearches(ctx context.Context) ([]models.SearchQuery, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+searchColumns+` FROM search_queries ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SearchQuery
	for rows.Next() {
		q, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// =============================================================================
// Import runs
// =============================================================================

const runColumns = `id, search_id, schedule_id, status, mode, total_jobs, completed_jobs, failed_jobs,
	total_properties, imported_properties, skipped_properties, split_count, max_depth,
	message, error_log, started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (*models.ImportRun, error) {
	var r models.ImportRun
	err := row.Scan(
		&r.ID, &r.SearchID, &r.ScheduleID, &r.Status, &r.Mode, &r.TotalJobs, &r.CompletedJobs, &r.FailedJobs,
		&r.TotalProperties, &r.ImportedProperties, &r.SkippedProperties, &r.SplitCount, &r.MaxDepth,
		&r.Message, &r.ErrorLog, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.ImportRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	query := `
		INSERT INTO import_runs (id, search_id, schedule_id, status, mode, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query,
		run.ID, run.SearchID, run.ScheduleID, run.Status, run.Mode, run.Message,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error) {
	return scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM import_runs WHERE id = $1`, id))
}

func (s *PostgresStore) SetRunPlan(ctx context.Context, id uuid.UUID, plan RunPlan) (*models.ImportRun, error) {
	query := `
		UPDATE import_runs SET
			total_jobs = $2,
			split_count = $3,
			max_depth = $4,
			message = $5,
			updated_at = NOW()
		WHERE id = $1 AND total_jobs = 0
		RETURNING ` + runColumns

	return scanRun(s.pool.QueryRow(ctx, query, id, plan.TotalJobs, plan.SplitCount, plan.MaxDepth, plan.Message))
}

// IncrementRun applies delta in one statement. Postgres evaluates every SET
// expression against the pre-update row, so the caps use the old counters.
func (s *PostgresStore) IncrementRun(ctx context.Context, id uuid.UUID, d RunDelta) (*models.ImportRun, error) {
	query := `
		UPDATE import_runs SET
			completed_jobs = LEAST(completed_jobs + $2, GREATEST(total_jobs - failed_jobs, completed_jobs)),
			failed_jobs = LEAST(failed_jobs + $3, GREATEST(total_jobs - completed_jobs, failed_jobs)),
			imported_properties = imported_properties + $4,
			skipped_properties = skipped_properties + $5,
			total_properties = total_properties + $6,
			error_log = CASE WHEN $7::text = '' THEN error_log ELSE error_log || $7::text || E'\n' END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + runColumns

	return scanRun(s.pool.QueryRow(ctx, query, id, d.Completed, d.Failed, d.Imported, d.Skipped, d.TotalProperties, d.Error))
}

func (s *PostgresStore) TransitionRun(ctx context.Context, id uuid.UUID, t RunTransition) (*models.ImportRun, error) {
	query := `
		UPDATE import_runs SET
			status = $4,
			mode = COALESCE(NULLIF($5::text, ''), mode),
			completed_jobs = CASE WHEN $6 THEN 0 ELSE completed_jobs END,
			failed_jobs = CASE WHEN $6 THEN 0 ELSE failed_jobs END,
			imported_properties = CASE WHEN $6 THEN 0 ELSE imported_properties END,
			total_properties = CASE WHEN $6 THEN 0 ELSE total_properties END,
			total_jobs = COALESCE($7::int, total_jobs),
			started_at = CASE WHEN $8 THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $9 THEN NOW() ELSE completed_at END,
			message = COALESCE(NULLIF($10::text, ''), message),
			updated_at = NOW()
		WHERE id = $1
			AND status = ANY($2::text[])
			AND ($3::text = '' OR mode = $3::text)
			AND (NOT $11 OR (total_jobs > 0 AND completed_jobs + failed_jobs >= total_jobs))
		RETURNING ` + runColumns

	return scanRun(s.pool.QueryRow(ctx, query,
		id, statusStrings(t.From), string(t.FromMode),
		string(t.To), string(t.ToMode), t.ResetCounters, t.TotalJobs, t.Start, t.Complete, t.Message,
		t.RequireSettled,
	))
}

func (s *PostgresStore) SetRunMessage(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx, `UPDATE import_runs SET message = $2, updated_at = NOW() WHERE id = $1`, id, message)
	return err
}

// =============================================================================
// Schedules
// =============================================================================

const scheduleColumns = `id, search_id, import_run_id, status, url_done, detail_done, sold_done, message, created_at, updated_at, completed_at`

func scanSchedule(row pgx.Row) (*models.ScheduleRun, error) {
	var sr models.ScheduleRun
	err := row.Scan(&sr.ID, &sr.SearchID, &sr.ImportRunID, &sr.Status, &sr.URLDone, &sr.DetailDone, &sr.SoldDone,
		&sr.Message, &sr.CreatedAt, &sr.UpdatedAt, &sr.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sr *models.ScheduleRun) error {
	if sr.ID == uuid.Nil {
		sr.ID = uuid.New()
	}
	if sr.Status == "" {
		sr.Status = models.ScheduleStatusPending
	}
	query := `
		INSERT INTO schedule_runs (id, search_id, status, message)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`
	return s.pool.QueryRow(ctx, query, sr.ID, sr.SearchID, sr.Status, sr.Message).Scan(&sr.CreatedAt, &sr.UpdatedAt)
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.ScheduleRun, error) {
	return scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule_runs WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sr *models.ScheduleRun) error {
	query := `
		UPDATE schedule_runs SET
			import_run_id = $2,
			status = $3,
			url_done = $4,
			detail_done = $5,
			sold_done = $6,
			message = $7,
			completed_at = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	return s.pool.QueryRow(ctx, query,
		sr.ID, sr.ImportRunID, sr.Status, sr.URLDone, sr.DetailDone, sr.SoldDone, sr.Message, sr.CompletedAt,
	).Scan(&sr.UpdatedAt)
}

func (s *PostgresStore) ListActiveSchedules(ctx context.Context) ([]models.ScheduleRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedule_runs
		WHERE status IN ('pending', 'importing')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduleRun
	for rows.Next() {
		sr, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

// =============================================================================
// Listing refs
// =============================================================================

// UpsertListingRef never downgrades a completed ref back to pending, and
// never moves the ref away from the search that first found it.
func (s *PostgresStore) UpsertListingRef(ctx context.Context, ref *models.ListingRef) error {
	if ref.Status == "" {
		ref.Status = models.ListingPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO listing_refs (url, listing_id, search_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE SET
			listing_id = EXCLUDED.listing_id,
			status = CASE WHEN listing_refs.status = 'completed' THEN listing_refs.status ELSE EXCLUDED.status END,
			updated_at = NOW()
		RETURNING status, created_at, updated_at`,
		ref.URL, ref.ListingID, ref.SearchID, ref.Status,
	).Scan(&ref.Status, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO listing_ref_searches (url, search_id)
		VALUES ($1, $2)
		ON CONFLICT (search_id, url) DO NOTHING`, ref.URL, ref.SearchID)
	if err != nil {
		return fmt.Errorf("link listing ref to search: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetListingRef(ctx context.Context, url string) (*models.ListingRef, error) {
	var ref models.ListingRef
	err := s.pool.QueryRow(ctx, `
		SELECT url, listing_id, search_id, status, created_at, updated_at
		FROM listing_refs WHERE url = $1`, url,
	).Scan(&ref.URL, &ref.ListingID, &ref.SearchID, &ref.Status, &ref.CreatedAt, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListPendingListingRefs returns the refs the search discovered whose
// property is not yet attached to it, whatever their global status.
func (s *PostgresStore) ListPendingListingRefs(ctx context.Context, searchID uuid.UUID) ([]models.ListingRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.url, r.listing_id, rs.search_id, r.status, r.created_at, r.updated_at
		FROM listing_ref_searches rs
		JOIN listing_refs r ON r.url = rs.url
		WHERE rs.search_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM search_properties sp
			WHERE sp.search_id = rs.search_id AND sp.property_id = r.listing_id
		  )
		ORDER BY r.listing_id`, searchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ListingRef
	for rows.Next() {
		var ref models.ListingRef
		if err := rows.Scan(&ref.URL, &ref.ListingID, &ref.SearchID, &ref.Status, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkListingRefCompleted(ctx context.Context, url string) error {
	_, err := s.pool.Exec(ctx, `UPDATE listing_refs SET status = 'completed', updated_at = NOW() WHERE url = $1`, url)
	return err
}

// =============================================================================
// Properties
// =============================================================================

// UpsertProperty overwrites every attribute and replaces the image set.
// Images that survive a re-import keep their mirror state.
func (s *PostgresStore) UpsertProperty(ctx context.Context, p *models.Property) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.KeyFeatures == nil {
		p.KeyFeatures = []string{}
	}

	query := `
		INSERT INTO properties (
			id, url, address, house_number, road, postcode, price, bedrooms, bathrooms,
			property_type, size, tenure, lease_years_remaining, ground_rent, service_charge,
			council_tax_band, parking, garden, accessibility, key_features, description, sold_link
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			address = EXCLUDED.address,
			house_number = EXCLUDED.house_number,
			road = EXCLUDED.road,
			postcode = EXCLUDED.postcode,
			price = EXCLUDED.price,
			bedrooms = EXCLUDED.bedrooms,
			bathrooms = EXCLUDED.bathrooms,
			property_type = EXCLUDED.property_type,
			size = EXCLUDED.size,
			tenure = EXCLUDED.tenure,
			lease_years_remaining = EXCLUDED.lease_years_remaining,
			ground_rent = EXCLUDED.ground_rent,
			service_charge = EXCLUDED.service_charge,
			council_tax_band = EXCLUDED.council_tax_band,
			parking = EXCLUDED.parking,
			garden = EXCLUDED.garden,
			accessibility = EXCLUDED.accessibility,
			key_features = EXCLUDED.key_features,
			description = EXCLUDED.description,
			sold_link = COALESCE(NULLIF(EXCLUDED.sold_link, ''), properties.sold_link),
			updated_at = NOW()
		RETURNING sold_link, sold_imported_at, created_at, updated_at`

	err = tx.QueryRow(ctx, query,
		p.ID, p.URL, p.Address, p.HouseNumber, p.Road, p.Postcode, p.Price, p.Bedrooms, p.Bathrooms,
		p.PropertyType, p.Size, p.Tenure, p.LeaseYearsRemaining, p.GroundRent, p.ServiceCharge,
		p.CouncilTaxBand, p.Parking, p.Garden, p.Accessibility, p.KeyFeatures, p.Description, p.SoldLink,
	).Scan(&p.SoldLink, &p.SoldImportedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert property %d: %w", p.ID, err)
	}

	images := p.Images
	if images == nil {
		images = []string{}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM property_images WHERE property_id = $1 AND NOT (url = ANY($2::text[]))`, p.ID, images); err != nil {
		return fmt.Errorf("prune images: %w", err)
	}

	batch := &pgx.Batch{}
	for i, u := range images {
		batch.Queue(`
			INSERT INTO property_images (property_id, position, url)
			VALUES ($1, $2, $3)
			ON CONFLICT (property_id, url) DO UPDATE SET position = EXCLUDED.position`,
			p.ID, i, u)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert images: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const propertyColumns = `id, url, address, house_number, road, postcode, price, bedrooms, bathrooms,
	property_type, size, tenure, lease_years_remaining, ground_rent, service_charge,
	council_tax_band, parking, garden, accessibility, key_features, description, sold_link,
	sold_imported_at, created_at, updated_at`

func scanProperty(row pgx.Row) (*models.Property, error) {
	var p models.Property
	err := row.Scan(
		&p.ID, &p.URL, &p.Address, &p.HouseNumber, &p.Road, &p.Postcode, &p.Price, &p.Bedrooms, &p.Bathrooms,
		&p.PropertyType, &p.Size, &p.Tenure, &p.LeaseYearsRemaining, &p.GroundRent, &p.ServiceCharge,
		&p.CouncilTaxBand, &p.Parking, &p.Garden, &p.Accessibility, &p.KeyFeatures, &p.Description, &p.SoldLink,
		&p.SoldImportedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id int64) (*models.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	if err != nil || p == nil {
		return p, err
	}

	rows, err := s.pool.Query(ctx, `SELECT url FROM property_images WHERE property_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		p.Images = append(p.Images, u)
	}
	return p, rows.Err()
}

func (s *PostgresStore) SetSoldLink(ctx context.Context, id int64, link string) error {
	_, err := s.pool.Exec(ctx, `UPDATE properties SET sold_link = $2, updated_at = NOW() WHERE id = $1`, id, link)
	return err
}

func (s *PostgresStore) MarkSoldImported(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE properties SET sold_imported_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) ListPropertiesWithoutSold(ctx context.Context, searchID uuid.UUID, limit int) ([]models.Property, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("p.", propertyColumns)+`
		FROM properties p
		JOIN search_properties sp ON sp.property_id = p.id
		WHERE sp.search_id = $1 AND p.sold_imported_at IS NULL
		ORDER BY p.id
		LIMIT $2`, searchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// =============================================================================
// Search associations
// =============================================================================

// AttachProperty reports whether a new association row was created.
func (s *PostgresStore) AttachProperty(ctx context.Context, searchID uuid.UUID, propertyID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO search_properties (search_id, property_id)
		VALUES ($1, $2)
		ON CONFLICT (search_id, property_id) DO NOTHING`, searchID, propertyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AttachedAt returns when the property was attached to the search, or nil.
func (s *PostgresStore) AttachedAt(ctx context.Context, searchID uuid.UUID, propertyID int64) (*time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM search_properties WHERE search_id = $1 AND property_id = $2`,
		searchID, propertyID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// =============================================================================
// Sold history
// =============================================================================

func (s *PostgresStore) UpsertSoldProperty(ctx context.Context, sp *models.SoldProperty) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO sold_properties (property_id, location, property_type, bedrooms, tenure, detail_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (property_id, location) DO UPDATE SET
			property_type = EXCLUDED.property_type,
			bedrooms = EXCLUDED.bedrooms,
			tenure = EXCLUDED.tenure,
			detail_url = EXCLUDED.detail_url,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`
	err = tx.QueryRow(ctx, query, sp.PropertyID, sp.Location, sp.PropertyType, sp.Bedrooms, sp.Tenure, sp.DetailURL).
		Scan(&sp.ID, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert sold property: %w", err)
	}

	for i := range sp.Events {
		ev := &sp.Events[i]
		ev.SoldID = sp.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO sold_price_events (sold_id, price, date)
			VALUES ($1, $2, $3)
			ON CONFLICT (sold_id, date) DO UPDATE SET price = EXCLUDED.price
			RETURNING id`, sp.ID, ev.Price, ev.Date).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("upsert sold event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSoldProperties(ctx context.Context, propertyID int64) ([]models.SoldProperty, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sp.id, sp.property_id, sp.location, sp.property_type, sp.bedrooms, sp.tenure, sp.detail_url,
			sp.created_at, sp.updated_at, e.id, e.price, e.date
		FROM sold_properties sp
		LEFT JOIN sold_price_events e ON e.sold_id = sp.id
		WHERE sp.property_id = $1
		ORDER BY sp.id, e.date DESC`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SoldProperty
	for rows.Next() {
		var (
			sp      models.SoldProperty
			evID    *int64
			evPrice *int
			evDate  *string
		)
		if err := rows.Scan(&sp.ID, &sp.PropertyID, &sp.Location, &sp.PropertyType, &sp.Bedrooms, &sp.Tenure, &sp.DetailURL,
			&sp.CreatedAt, &sp.UpdatedAt, &evID, &evPrice, &evDate); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != sp.ID {
			out = append(out, sp)
		}
		if evID != nil {
			last := &out[len(out)-1]
			last.Events = append(last.Events, models.SoldPriceEvent{ID: *evID, SoldID: sp.ID, Price: *evPrice, Date: *evDate})
		}
	}
	return out, rows.Err()
}

// =============================================================================
// Images
// =============================================================================

func (s *PostgresStore) ListPendingImages(ctx context.Context, limit, maxAttempts int) ([]models.PropertyImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, property_id, position, url, status, s3_key, content_hash, attempts
		FROM property_images
		WHERE status = 'pending' OR (status = 'failed' AND attempts < $2)
		ORDER BY id
		LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PropertyImage
	for rows.Next() {
		var img models.PropertyImage
		if err := rows.Scan(&img.ID, &img.PropertyID, &img.Position, &img.URL, &img.Status, &img.S3Key, &img.ContentHash, &img.Attempts); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateImageMirror(ctx context.Context, img *models.PropertyImage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE property_images SET status = $2, s3_key = $3, content_hash = $4, attempts = $5
		WHERE id = $1`, img.ID, img.Status, img.S3Key, img.ContentHash, img.Attempts)
	return err
}

func prefixed(prefix, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	start := true
	for i := 0; i < len(columns); i++ {
		ch := columns[i]
		if start && ch != ' ' && ch != '\n' && ch != '\t' {
			out = append(out, prefix...)
			start = false
		}
		out = append(out, ch)
		if ch == ',' {
			start = true
		}
	}
	return string(out)
}
