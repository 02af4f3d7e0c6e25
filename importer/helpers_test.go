package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"estate_importer/config"
	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/scraper"
	"estate_importer/services"
	"estate_importer/storage"
)

type fakeScraper struct {
	mu sync.Mutex

	total    int
	probeErr error
	stubs    []scraper.Stub
	stubsErr error

	soldPages map[string][][]models.SoldProperty
	soldErr   map[string]int
	// soldRows overrides the raw row count of a page, for pages whose
	// address-less rows were dropped
	soldRows map[string][]int

	scrapeCalls int
	soldCalls   []string
}

func (f *fakeScraper) Probe(context.Context, scraper.Query) (int, error) {
	return f.total, f.probeErr
}

func (f *fakeScraper) ScrapeStubs(_ context.Context, _ scraper.Query, _, _ int) ([]scraper.Stub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrapeCalls++
	if f.stubsErr != nil {
		return nil, f.stubsErr
	}
	return append([]scraper.Stub(nil), f.stubs...), nil
}

func (f *fakeScraper) SoldPage(_ context.Context, link string, page int) (*scraper.SoldResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.soldCalls = append(f.soldCalls, scraper.SoldPageURL(link, page))
	if f.soldErr[link] == page {
		return nil, fmt.Errorf("sold page %d blocked", page)
	}
	pages := f.soldPages[link]
	if page > len(pages) {
		return &scraper.SoldResults{}, nil
	}
	res := &scraper.SoldResults{
		Records: make([]models.SoldProperty, len(pages[page-1])),
		Rows:    len(pages[page-1]),
	}
	copy(res.Records, pages[page-1])
	if rows := f.soldRows[link]; page <= len(rows) {
		res.Rows = rows[page-1]
	}
	return res, nil
}

// fakeSource serves a listing page for any listing id.
type fakeSource struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSource) Detail(_ context.Context, pageURL string) (*models.Property, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageURL)
	f.mu.Unlock()

	id, ok := scraper.ListingIDFromURL(pageURL)
	if !ok {
		return nil, fmt.Errorf("no id in %s", pageURL)
	}
	return &models.Property{
		ID:       id,
		URL:      scraper.CanonicalListingURL(pageURL),
		Address:  fmt.Sprintf("%d Walcot Street, Bath BA1 1AA", id),
		Postcode: "BA1 1AA",
		Price:    int(id) * 1000,
		SoldLink: testSoldLink,
		Images:   []string{fmt.Sprintf("https://media.example.com/%d/1.jpg", id)},
	}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// countingStore counts run transitions that actually applied.
type countingStore struct {
	*storage.MemoryStore
	transitions atomic.Int32
}

func (c *countingStore) TransitionRun(ctx context.Context, id uuid.UUID, t storage.RunTransition) (*models.ImportRun, error) {
	run, err := c.MemoryStore.TransitionRun(ctx, id, t)
	if run != nil {
		c.transitions.Add(1)
	}
	return run, err
}

var testSoldLink = scraper.SoldLink("BA1", "1AA")

type testEnv struct {
	svc     *Service
	store   *countingStore
	queue   *queue.Queue
	scraper *fakeScraper
	source  *fakeSource
	search  *models.SearchQuery
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	q, err := queue.Open(filepath.Join(t.TempDir(), "jobs.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	sc := &fakeScraper{soldPages: map[string][][]models.SoldProperty{}, soldErr: map[string]int{}}
	src := &fakeSource{}
	fetch := services.NewFetchService(src, store, nil, services.FetchOptions{}, zerolog.Nop())

	svc := New(Deps{
		Store:   store,
		Queue:   q,
		Scraper: sc,
		Fetch:   fetch,
		Config:  config.ImportConfig{SoldBatchSize: 2},
		Log:     zerolog.Nop(),
	})

	search := &models.SearchQuery{
		Name: "Bath",
		URL:  "https://www.rightmove.co.uk/property-for-sale/find.html?locationIdentifier=REGION%5E116",
	}
	require.NoError(t, store.UpsertSearch(ctx, search))

	return &testEnv{svc: svc, store: store, queue: q, scraper: sc, source: src, search: search}
}

func stubs(ids ...int64) []scraper.Stub {
	out := make([]scraper.Stub, len(ids))
	for i, id := range ids {
		out[i] = scraper.Stub{ID: id, URL: fmt.Sprintf("%s/properties/%d", scraper.SiteBase, id)}
	}
	return out
}

func soldRecords(prefix string, n int) []models.SoldProperty {
	out := make([]models.SoldProperty, n)
	for i := range out {
		out[i] = models.SoldProperty{
			Location:     fmt.Sprintf("%d %s, Bath BA1 1AA", i+1, prefix),
			PropertyType: "Terraced",
			Bedrooms:     3,
			Events:       []models.SoldPriceEvent{{Price: 300000 + i, Date: "2023-05-12"}},
		}
	}
	return out
}

// processingRun stores a run that has been planned with the given job count.
func (e *testEnv) processingRun(t *testing.T, mode models.RunMode, totalJobs int, scheduleID *uuid.UUID) *models.ImportRun {
	t.Helper()
	run := &models.ImportRun{
		SearchID:   e.search.ID,
		ScheduleID: scheduleID,
		Status:     models.RunStatusProcessing,
		Mode:       mode,
		TotalJobs:  totalJobs,
	}
	require.NoError(t, e.store.CreateRun(context.Background(), run))
	return run
}

// startedRun stores a planned run for the search with its start time set.
func (e *testEnv) startedRun(t *testing.T, searchID uuid.UUID, mode models.RunMode, totalJobs int) *models.ImportRun {
	t.Helper()
	ctx := context.Background()
	run := &models.ImportRun{SearchID: searchID, Status: models.RunStatusPending, Mode: mode}
	require.NoError(t, e.store.CreateRun(ctx, run))
	_, err := e.store.TransitionRun(ctx, run.ID, storage.RunTransition{
		From:  []models.RunStatus{models.RunStatusPending},
		To:    models.RunStatusProcessing,
		Start: true,
	})
	require.NoError(t, err)
	_, err = e.store.SetRunPlan(ctx, run.ID, storage.RunPlan{TotalJobs: totalJobs})
	require.NoError(t, err)
	return e.run(t, run.ID)
}

func (e *testEnv) run(t *testing.T, id uuid.UUID) *models.ImportRun {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}
