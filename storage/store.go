package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"estate_importer/models"
)

// Store is the persistent record store shared by every worker. Getters
// return nil, nil when the record does not exist. All writes are idempotent
// upserts keyed by natural keys, and run counters only move through
// IncrementRun.
type Store interface {
	UpsertSearch(ctx context.Context, s *models.SearchQuery) error
	GetSearch(ctx context.Context, id uuid.UUID) (*models.SearchQuery, error)
	ListSearches(ctx context.Context) ([]models.SearchQuery, error)

	CreateRun(ctx context.Context, run *models.ImportRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error)
	SetRunPlan(ctx context.Context, id uuid.UUID, plan RunPlan) (*models.ImportRun, error)
	IncrementRun(ctx context.Context, id uuid.UUID, delta RunDelta) (*models.ImportRun, error)
	TransitionRun(ctx context.Context, id uuid.UUID, t RunTransition) (*models.ImportRun, error)
	SetRunMessage(ctx context.Context, id uuid.UUID, message string) error

	CreateSchedule(ctx context.Context, s *models.ScheduleRun) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.ScheduleRun, error)
	UpdateSchedule(ctx context.Context, s *models.ScheduleRun) error
	ListActiveSchedules(ctx context.Context) ([]models.ScheduleRun, error)

	// UpsertListingRef also records that ref.SearchID discovered the URL.
	// A URL found by several searches stays pending for each of them until
	// its property is attached to that search.
	UpsertListingRef(ctx context.Context, ref *models.ListingRef) error
	GetListingRef(ctx context.Context, url string) (*models.ListingRef, error)
	ListPendingListingRefs(ctx context.Context, searchID uuid.UUID) ([]models.ListingRef, error)
	MarkListingRefCompleted(ctx context.Context, url string) error

	UpsertProperty(ctx context.Context, p *models.Property) error
	GetProperty(ctx context.Context, id int64) (*models.Property, error)
	SetSoldLink(ctx context.Context, id int64, link string) error
	MarkSoldImported(ctx context.Context, id int64, at time.Time) error
	ListPropertiesWithoutSold(ctx context.Context, searchID uuid.UUID, limit int) ([]models.Property, error)

	AttachProperty(ctx context.Context, searchID uuid.UUID, propertyID int64) (bool, error)
	AttachedAt(ctx context.Context, searchID uuid.UUID, propertyID int64) (*time.Time, error)

	UpsertSoldProperty(ctx context.Context, sp *models.SoldProperty) error
	ListSoldProperties(ctx context.Context, propertyID int64) ([]models.SoldProperty, error)

	ListPendingImages(ctx context.Context, limit, maxAttempts int) ([]models.PropertyImage, error)
	UpdateImageMirror(ctx context.Context, img *models.PropertyImage) error

	Close()
}

// RunPlan records the orchestrator's partition plan. It applies only to a
// run that has not been planned yet.
type RunPlan struct {
	TotalJobs  int
	SplitCount int
	MaxDepth   int
	Message    string
}

// RunDelta is applied as a single atomic increment. Job counters are capped
// so completed+failed never exceeds total_jobs.
type RunDelta struct {
	Completed       int
	Failed          int
	Imported        int
	Skipped         int
	TotalProperties int
	Error           string
}

// RunTransition is a compare-and-set on status (and optionally mode). The
// transition applies only when the current row matches; TransitionRun
// returns nil when it did not apply.
type RunTransition struct {
	From           []models.RunStatus
	FromMode       models.RunMode
	RequireSettled bool

	To            models.RunStatus
	ToMode        models.RunMode
	ResetCounters bool
	TotalJobs     *int
	Start         bool
	Complete      bool
	Message       string
}

func (t RunTransition) matches(run *models.ImportRun) bool {
	ok := false
	for _, s := range t.From {
		if run.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if t.FromMode != "" && run.Mode != t.FromMode {
		return false
	}
	if t.RequireSettled && !run.Settled() {
		return false
	}
	return true
}

func statusStrings(statuses []models.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
