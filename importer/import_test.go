package importer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_importer/models"
	"estate_importer/storage"
)

func TestImport_SingleRangeFullMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.scraper.total = 200
	env.scraper.stubs = stubs(101, 102, 103, 104, 105)
	env.scraper.soldPages[testSoldLink] = [][]models.SoldProperty{soldRecords("Lansdown Road", 2)}

	// 103 was imported for this search by an earlier run
	require.NoError(t, env.store.UpsertProperty(ctx, &models.Property{ID: 103, URL: stubs(103)[0].URL}))
	_, err := env.store.AttachProperty(ctx, env.search.ID, 103)
	require.NoError(t, err)

	runID, err := env.svc.StartImport(ctx, env.search.ID, models.ModeFull)
	require.NoError(t, err)

	n, err := env.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "orchestrate plus one chunk job")

	run := env.run(t, runID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalJobs)
	assert.Equal(t, 1, run.CompletedJobs)
	assert.Equal(t, 4, run.ImportedProperties)
	assert.Equal(t, 1, run.SkippedProperties)
	assert.Equal(t, 5, run.TotalProperties)
	assert.Equal(t, float64(100), run.Percentage())
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)

	assert.Equal(t, 4, env.source.callCount())

	ref, err := env.store.GetListingRef(ctx, stubs(101)[0].URL)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, models.ListingCompleted, ref.Status)

	prop, err := env.store.GetProperty(ctx, 104)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, 104000, prop.Price)
	assert.NotNil(t, prop.SoldImportedAt)

	sold, err := env.store.ListSoldProperties(ctx, 104)
	require.NoError(t, err)
	assert.Len(t, sold, 2)
}

func TestImport_RerunChunkIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.scraper.stubs = stubs(1, 2, 3)
	env.scraper.soldPages[testSoldLink] = [][]models.SoldProperty{soldRecords("Gay Street", 3)}
	run := env.processingRun(t, models.ModeFull, 2, nil)

	payload := ChunkPayload{RunID: run.ID, SearchID: env.search.ID, Mode: models.ModeFull, PageGroup: PageGroup{StartPage: 0, EndPage: 9}}
	require.NoError(t, env.svc.RunChunk(ctx, payload))
	refs, props, assoc, sold := env.store.Counts()

	require.NoError(t, env.svc.RunChunk(ctx, payload))
	refs2, props2, assoc2, sold2 := env.store.Counts()

	assert.Equal(t, []int{3, 3, 3, 9}, []int{refs, props, assoc, sold})
	assert.Equal(t, []int{refs, props, assoc, sold}, []int{refs2, props2, assoc2, sold2})
	assert.Equal(t, 3, env.source.callCount())

	got := env.run(t, run.ID)
	assert.Equal(t, 3, got.ImportedProperties)
	assert.Equal(t, 3, got.SkippedProperties)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestImport_LinksKnownPropertyWithoutFetch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &models.SearchQuery{Name: "Bristol", URL: "https://www.rightmove.co.uk/property-for-sale/find.html?locationIdentifier=REGION%5E219"}
	require.NoError(t, env.store.UpsertSearch(ctx, other))

	stub := stubs(201)[0]
	require.NoError(t, env.store.UpsertProperty(ctx, &models.Property{ID: 201, URL: stub.URL, Price: 410000}))
	require.NoError(t, env.store.UpsertListingRef(ctx, &models.ListingRef{URL: stub.URL, ListingID: 201, SearchID: other.ID, Status: models.ListingCompleted}))
	_, err := env.store.AttachProperty(ctx, other.ID, 201)
	require.NoError(t, err)

	env.scraper.stubs = stubs(201)
	run := env.processingRun(t, models.ModeFull, 1, nil)
	require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: run.ID, SearchID: env.search.ID, Mode: models.ModeFull}))

	attached, err := env.store.AttachedAt(ctx, env.search.ID, 201)
	require.NoError(t, err)
	assert.NotNil(t, attached)
	assert.Zero(t, env.source.callCount())
	assert.Equal(t, 1, env.run(t, run.ID).ImportedProperties)
}

func TestImport_EmptyPageRangeCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.processingRun(t, models.ModeFull, 1, nil)

	require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: run.ID, SearchID: env.search.ID, Mode: models.ModeFull}))

	got := env.run(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Zero(t, got.TotalProperties)
}

func TestImport_URLsOnlyThenFetchDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.scraper.total = 300
	env.scraper.stubs = stubs(11, 12, 13)

	urlsRun, err := env.svc.StartImport(ctx, env.search.ID, models.ModeURLsOnly)
	require.NoError(t, err)
	_, err = env.queue.Drain(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, env.run(t, urlsRun).Status)
	assert.Zero(t, env.source.callCount())
	pending, err := env.store.ListPendingListingRefs(ctx, env.search.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	detailsRun, err := env.svc.StartImport(ctx, env.search.ID, models.ModeFetchDetails)
	require.NoError(t, err)
	_, err = env.queue.Drain(ctx, 0)
	require.NoError(t, err)

	run := env.run(t, detailsRun)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalJobs)
	assert.Equal(t, 3, run.TotalProperties)
	assert.Equal(t, 3, run.ImportedProperties)
	assert.Equal(t, float64(100), run.Percentage())

	pending, err = env.store.ListPendingListingRefs(ctx, env.search.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the details stage leaves sold history to the schedule
	assert.Empty(t, env.scraper.soldCalls)
}

func TestImport_CancelledRunSkipsChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.scraper.total = 5000
	env.scraper.stubs = stubs(1, 2)

	runID, err := env.svc.StartImport(ctx, env.search.ID, models.ModeFull)
	require.NoError(t, err)

	found, err := env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, found)
	planned := env.run(t, runID)
	assert.Greater(t, planned.TotalJobs, 1)

	cancelled, err := env.svc.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	_, err = env.queue.Drain(ctx, 0)
	require.NoError(t, err)

	assert.Zero(t, env.scraper.scrapeCalls)
	assert.Equal(t, models.RunStatusCancelled, env.run(t, runID).Status)
}

func TestImport_ChunkRetriesThenCountsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.queue.SetClock(func() time.Time { return now })

	env.scraper.total = 100
	env.scraper.stubsErr = errors.New("403 forbidden")

	runID, err := env.svc.StartImport(ctx, env.search.ID, models.ModeFull)
	require.NoError(t, err)

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		_, err := env.queue.Drain(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, env.run(t, runID).FailedJobs, "failed before exhaustion at attempt %d", attempt)
		now = now.Add(time.Hour)
	}
	_, err = env.queue.Drain(ctx, 0)
	require.NoError(t, err)

	run := env.run(t, runID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.FailedJobs)
	assert.Equal(t, MaxAttempts, env.scraper.scrapeCalls)
	assert.Equal(t, MaxAttempts, strings.Count(run.ErrorLog, "403 forbidden"))
}

func TestOrchestrate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.scraper.total = 200

	runID, err := env.svc.StartImport(ctx, env.search.ID, models.ModeFull)
	require.NoError(t, err)
	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)

	require.NoError(t, env.svc.Orchestrate(ctx, runID))

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobQueued])
	assert.Equal(t, 1, env.run(t, runID).TotalJobs)
}

func TestOrchestrate_MissingRunIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.svc.Orchestrate(context.Background(), uuid.New()))
}

func TestStartImport_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.StartImport(ctx, env.search.ID, models.RunMode("everything"))
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = env.svc.StartImport(ctx, uuid.New(), models.ModeFull)
	assert.ErrorIs(t, err, ErrSearchNotFound)
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return now }

	run := env.processingRun(t, models.ModeFull, 4, nil)
	started := now.Add(-10 * time.Minute)
	_, err := env.store.TransitionRun(ctx, run.ID, storage.RunTransition{
		From:  []models.RunStatus{models.RunStatusProcessing},
		To:    models.RunStatusProcessing,
		Start: true,
	})
	require.NoError(t, err)
	require.NoError(t, env.svc.record(ctx, run.ID, storage.RunDelta{Completed: 1, Imported: 7, Skipped: 2}))

	// pin the start time the store recorded
	stored := env.run(t, run.ID)
	stored.StartedAt = &started
	status := statusOf(stored, now)

	assert.Equal(t, float64(25), status.Percentage)
	assert.Equal(t, 7, status.ImportedProperties)
	assert.Equal(t, 2, status.SkippedProperties)
	assert.Equal(t, float64(600), status.ElapsedSeconds)
	assert.Equal(t, float64(1800), status.RemainingSeconds)

	_, err = env.svc.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)

	live, err := env.svc.GetStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusProcessing, live.Status)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)

	run := env.processingRun(t, models.ModeFull, 1, nil)
	require.NoError(t, env.svc.record(ctx, run.ID, storage.RunDelta{Completed: 1}))

	got, err := env.svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestImport_OverlappingSearchesEachGetListings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &models.SearchQuery{Name: "Bath Centre", URL: "https://www.rightmove.co.uk/property-for-sale/find.html?locationIdentifier=REGION%5E116&radius=0.5"}
	require.NoError(t, env.store.UpsertSearch(ctx, other))
	env.scraper.stubs = stubs(1, 2)

	for _, searchID := range []uuid.UUID{env.search.ID, other.ID} {
		run := env.startedRun(t, searchID, models.ModeURLsOnly, 1)
		require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: run.ID, SearchID: searchID, Mode: models.ModeURLsOnly}))
	}

	for _, searchID := range []uuid.UUID{env.search.ID, other.ID} {
		pending, err := env.store.ListPendingListingRefs(ctx, searchID)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		run := env.startedRun(t, searchID, models.ModeFetchDetails, 1)
		require.NoError(t, env.svc.RunDetails(ctx, run.ID))

		got := env.run(t, run.ID)
		assert.Equal(t, models.RunStatusCompleted, got.Status)
		assert.Equal(t, 2, got.ImportedProperties)
	}

	for _, searchID := range []uuid.UUID{env.search.ID, other.ID} {
		for _, id := range []int64{1, 2} {
			at, err := env.store.AttachedAt(ctx, searchID, id)
			require.NoError(t, err)
			assert.NotNil(t, at, "listing %d for search %s", id, searchID)
		}
		pending, err := env.store.ListPendingListingRefs(ctx, searchID)
		require.NoError(t, err)
		assert.Empty(t, pending)
	}

	// the second search reads the stored properties instead of refetching
	assert.Equal(t, 2, env.source.callCount())
}

func TestImport_FullChunkLeavesOtherSearchPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &models.SearchQuery{Name: "Bath Centre", URL: "https://www.rightmove.co.uk/property-for-sale/find.html?locationIdentifier=REGION%5E116&radius=0.5"}
	require.NoError(t, env.store.UpsertSearch(ctx, other))
	env.scraper.stubs = stubs(7)

	urls := env.startedRun(t, other.ID, models.ModeURLsOnly, 1)
	require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: urls.ID, SearchID: other.ID, Mode: models.ModeURLsOnly}))

	full := env.startedRun(t, env.search.ID, models.ModeFull, 1)
	require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: full.ID, SearchID: env.search.ID, Mode: models.ModeFull}))

	pending, err := env.store.ListPendingListingRefs(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(7), pending[0].ListingID)
}

func TestRunChunk_DelayCutShortKeepsCounts(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.ChunkDelay = time.Hour
	env.scraper.stubs = stubs(1, 2, 3)
	run := env.startedRun(t, env.search.ID, models.ModeFull, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, env.svc.RunChunk(ctx, ChunkPayload{RunID: run.ID, SearchID: env.search.ID, Mode: models.ModeFull}))

	got := env.run(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.ImportedProperties)
	assert.Zero(t, got.SkippedProperties)
	assert.Equal(t, 3, got.TotalProperties)
}

// failingCompletionStore fails the first job-completion increments.
type failingCompletionStore struct {
	storage.Store
	fails int
}

func (f *failingCompletionStore) IncrementRun(ctx context.Context, id uuid.UUID, d storage.RunDelta) (*models.ImportRun, error) {
	if d.Completed > 0 && f.fails > 0 {
		f.fails--
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.IncrementRun(ctx, id, d)
}

func TestRunChunk_RetryAfterStoredWorkCountsImportsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.store = &failingCompletionStore{Store: env.store, fails: 1}
	env.scraper.stubs = stubs(1, 2, 3)
	run := env.startedRun(t, env.search.ID, models.ModeFull, 1)
	payload := ChunkPayload{RunID: run.ID, SearchID: env.search.ID, Mode: models.ModeFull}

	require.Error(t, env.svc.RunChunk(ctx, payload))
	assert.Equal(t, 3, env.run(t, run.ID).ImportedProperties)

	require.NoError(t, env.svc.RunChunk(ctx, payload))

	got := env.run(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.ImportedProperties)
	assert.Zero(t, got.SkippedProperties)
	assert.Equal(t, 3, got.TotalProperties)
	assert.Equal(t, 3, env.source.callCount())
}
