package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"estate_importer/models"
)

type assocKey struct {
	search   uuid.UUID
	property int64
}

type refSearchKey struct {
	search uuid.UUID
	url    string
}

type soldKey struct {
	property int64
	location string
}

// MemoryStore is an in-process Store. It is used by tests and by the
// "memory" store driver for local runs without Postgres.
type MemoryStore struct {
	mu         sync.Mutex
	searches   map[uuid.UUID]models.SearchQuery
	runs       map[uuid.UUID]models.ImportRun
	schedules  map[uuid.UUID]models.ScheduleRun
	refs       map[string]models.ListingRef
	refSearch  map[refSearchKey]struct{}
	properties map[int64]models.Property
	images     map[int64]models.PropertyImage
	assoc      map[assocKey]time.Time
	sold       map[soldKey]models.SoldProperty
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		searches:   make(map[uuid.UUID]models.SearchQuery),
		runs:       make(map[uuid.UUID]models.ImportRun),
		schedules:  make(map[uuid.UUID]models.ScheduleRun),
		refs:       make(map[string]models.ListingRef),
		refSearch:  make(map[refSearchKey]struct{}),
		properties: make(map[int64]models.Property),
		images:     make(map[int64]models.PropertyImage),
		assoc:      make(map[assocKey]time.Time),
		sold:       make(map[soldKey]models.SoldProperty),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) UpsertSearch(_ context.Context, q *models.SearchQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	now := time.Now()
	if existing, ok := m.searches[q.ID]; ok {
		q.CreatedAt = existing.CreatedAt
	} else {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	m.searches[q.ID] = *q
	return nil
}

func (m *MemoryStore) GetSearch(_ context.Context, id uuid.UUID) (*models.SearchQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.searches[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (m *MemoryStore) ListSearches(_ context.Context) ([]models.SearchQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SearchQuery, 0, len(m.searches))
	for _, q := range m.searches {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*models.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) SetRunPlan(_ context.Context, id uuid.UUID, plan RunPlan) (*models.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.TotalJobs != 0 {
		return nil, nil
	}
	r.TotalJobs = plan.TotalJobs
	r.SplitCount = plan.SplitCount
	r.MaxDepth = plan.MaxDepth
	r.Message = plan.Message
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return &r, nil
}

func (m *MemoryStore) IncrementRun(_ context.Context, id uuid.UUID, d RunDelta) (*models.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	completed := min(r.CompletedJobs+d.Completed, max(r.TotalJobs-r.FailedJobs, r.CompletedJobs))
	failed := min(r.FailedJobs+d.Failed, max(r.TotalJobs-r.CompletedJobs, r.FailedJobs))
	r.CompletedJobs = completed
	r.FailedJobs = failed
	r.ImportedProperties += d.Imported
	r.SkippedProperties += d.Skipped
	r.TotalProperties += d.TotalProperties
	if d.Error != "" {
		r.ErrorLog += d.Error + "\n"
	}
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return &r, nil
}

func (m *MemoryStore) TransitionRun(_ context.Context, id uuid.UUID, t RunTransition) (*models.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || !t.matches(&r) {
		return nil, nil
	}

	now := time.Now()
	r.Status = t.To
	if t.ToMode != "" {
		r.Mode = t.ToMode
	}
	if t.ResetCounters {
		r.CompletedJobs = 0
		r.FailedJobs = 0
		r.ImportedProperties = 0
		r.TotalProperties = 0
	}
	if t.TotalJobs != nil {
		r.TotalJobs = *t.TotalJobs
	}
	if t.Start && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if t.Complete {
		r.CompletedAt = &now
	}
	if t.Message != "" {
		r.Message = t.Message
	}
	r.UpdatedAt = now
	m.runs[id] = r
	return &r, nil
}

func (m *MemoryStore) SetRunMessage(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[id]; ok {
		r.Message = message
		r.UpdatedAt = time.Now()
		m.runs[id] = r
	}
	return nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, sr *models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sr.ID == uuid.Nil {
		sr.ID = uuid.New()
	}
	if sr.Status == "" {
		sr.Status = models.ScheduleStatusPending
	}
	sr.CreatedAt = time.Now()
	sr.UpdatedAt = sr.CreatedAt
	m.schedules[sr.ID] = *sr
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*models.ScheduleRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sr, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	return &sr, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, sr *models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[sr.ID]; !ok {
		return nil
	}
	sr.UpdatedAt = time.Now()
	m.schedules[sr.ID] = *sr
	return nil
}

func (m *MemoryStore) ListActiveSchedules(_ context.Context) ([]models.ScheduleRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ScheduleRun
	for _, sr := range m.schedules {
		if sr.Status == models.ScheduleStatusPending || sr.Status == models.ScheduleStatusImporting {
			out = append(out, sr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpsertListingRef(_ context.Context, ref *models.ListingRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if ref.Status == "" {
		ref.Status = models.ListingPending
	}
	m.refSearch[refSearchKey{search: ref.SearchID, url: ref.URL}] = struct{}{}

	stored := *ref
	if existing, ok := m.refs[ref.URL]; ok {
		stored.SearchID = existing.SearchID
		stored.CreatedAt = existing.CreatedAt
		if existing.Status == models.ListingCompleted {
			stored.Status = models.ListingCompleted
		}
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.refs[ref.URL] = stored

	ref.Status = stored.Status
	ref.CreatedAt = stored.CreatedAt
	ref.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) GetListingRef(_ context.Context, url string) (*models.ListingRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.refs[url]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (m *MemoryStore) ListPendingListingRefs(_ context.Context, searchID uuid.UUID) ([]models.ListingRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ListingRef
	for key := range m.refSearch {
		if key.search != searchID {
			continue
		}
		ref, ok := m.refs[key.url]
		if !ok {
			continue
		}
		if _, attached := m.assoc[assocKey{search: searchID, property: ref.ListingID}]; attached {
			continue
		}
		ref.SearchID = searchID
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (m *MemoryStore) MarkListingRefCompleted(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.refs[url]; ok {
		ref.Status = models.ListingCompleted
		ref.UpdatedAt = time.Now()
		m.refs[url] = ref
	}
	return nil
}

func (m *MemoryStore) UpsertProperty(_ context.Context, p *models.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.properties[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.SoldImportedAt = existing.SoldImportedAt
		if p.SoldLink == "" {
			p.SoldLink = existing.SoldLink
		}
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	stored := *p
	stored.KeyFeatures = append([]string(nil), p.KeyFeatures...)
	stored.Images = nil
	m.properties[p.ID] = stored

	keep := make(map[string]int, len(p.Images))
	for i, u := range p.Images {
		keep[u] = i
	}
	for id, img := range m.images {
		if img.PropertyID != p.ID {
			continue
		}
		pos, ok := keep[img.URL]
		if !ok {
			delete(m.images, id)
			continue
		}
		img.Position = pos
		m.images[id] = img
		delete(keep, img.URL)
	}
	for u, pos := range keep {
		id := m.id()
		m.images[id] = models.PropertyImage{ID: id, PropertyID: p.ID, Position: pos, URL: u, Status: models.ImagePending}
	}
	return nil
}

func (m *MemoryStore) GetProperty(_ context.Context, id int64) (*models.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.properties[id]
	if !ok {
		return nil, nil
	}
	p.KeyFeatures = append([]string(nil), p.KeyFeatures...)
	p.Images = m.imageURLs(id)
	return &p, nil
}

func (m *MemoryStore) imageURLs(propertyID int64) []string {
	var imgs []models.PropertyImage
	for _, img := range m.images {
		if img.PropertyID == propertyID {
			imgs = append(imgs, img)
		}
	}
	sort.Slice(imgs, func(i, j int) bool { return imgs[i].Position < imgs[j].Position })
	var out []string
	for _, img := range imgs {
		out = append(out, img.URL)
	}
	return out
}

func (m *MemoryStore) SetSoldLink(_ context.Context, id int64, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.properties[id]; ok {
		p.SoldLink = link
		m.properties[id] = p
	}
	return nil
}

func (m *MemoryStore) MarkSoldImported(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.properties[id]; ok {
		p.SoldImportedAt = &at
		m.properties[id] = p
	}
	return nil
}

func (m *MemoryStore) ListPropertiesWithoutSold(_ context.Context, searchID uuid.UUID, limit int) ([]models.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Property
	for key := range m.assoc {
		if key.search != searchID {
			continue
		}
		p, ok := m.properties[key.property]
		if ok && p.SoldImportedAt == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachProperty(_ context.Context, searchID uuid.UUID, propertyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assocKey{search: searchID, property: propertyID}
	if _, ok := m.assoc[key]; ok {
		return false, nil
	}
	m.assoc[key] = time.Now()
	return true, nil
}

func (m *MemoryStore) AttachedAt(_ context.Context, searchID uuid.UUID, propertyID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.assoc[assocKey{search: searchID, property: propertyID}]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (m *MemoryStore) UpsertSoldProperty(_ context.Context, sp *models.SoldProperty) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := soldKey{property: sp.PropertyID, location: sp.Location}
	now := time.Now()
	existing, ok := m.sold[key]
	if ok {
		sp.ID = existing.ID
		sp.CreatedAt = existing.CreatedAt
	} else {
		sp.ID = m.id()
		sp.CreatedAt = now
	}
	sp.UpdatedAt = now

	events := append([]models.SoldPriceEvent(nil), existing.Events...)
	for i := range sp.Events {
		ev := &sp.Events[i]
		ev.SoldID = sp.ID
		replaced := false
		for j := range events {
			if events[j].Date == ev.Date {
				events[j].Price = ev.Price
				ev.ID = events[j].ID
				replaced = true
				break
			}
		}
		if !replaced {
			ev.ID = m.id()
			events = append(events, *ev)
		}
	}

	stored := *sp
	stored.Events = events
	m.sold[key] = stored
	return nil
}

func (m *MemoryStore) ListSoldProperties(_ context.Context, propertyID int64) ([]models.SoldProperty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SoldProperty
	for key, sp := range m.sold {
		if key.property != propertyID {
			continue
		}
		sp.Events = append([]models.SoldPriceEvent(nil), sp.Events...)
		sort.Slice(sp.Events, func(i, j int) bool { return strings.Compare(sp.Events[i].Date, sp.Events[j].Date) > 0 })
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListPendingImages(_ context.Context, limit, maxAttempts int) ([]models.PropertyImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.PropertyImage
	for _, img := range m.images {
		if img.Status == models.ImagePending || (img.Status == models.ImageFailed && img.Attempts < maxAttempts) {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateImageMirror(_ context.Context, img *models.PropertyImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.images[img.ID]; ok {
		m.images[img.ID] = *img
	}
	return nil
}

// Counts reports table sizes. Tests use it to check for duplicates.
func (m *MemoryStore) Counts() (refs, properties, associations, sold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs), len(m.properties), len(m.assoc), len(m.sold)
}
