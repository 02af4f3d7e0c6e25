package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_importer/importer"
	"estate_importer/models"
	"estate_importer/storage"
)

type fakeImporter struct {
	runID     uuid.UUID
	lastMode  models.RunMode
	runs      map[uuid.UUID]*importer.Status
	schedules map[uuid.UUID]*models.ScheduleRun
	err       error
}

func newFakeImporter() *fakeImporter {
	return &fakeImporter{
		runID:     uuid.New(),
		runs:      map[uuid.UUID]*importer.Status{},
		schedules: map[uuid.UUID]*models.ScheduleRun{},
	}
}

func (f *fakeImporter) StartImport(_ context.Context, searchID uuid.UUID, mode models.RunMode) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.lastMode = mode
	f.runs[f.runID] = &importer.Status{RunID: f.runID, SearchID: searchID, Status: models.RunStatusPending}
	return f.runID, nil
}

func (f *fakeImporter) GetStatus(_ context.Context, runID uuid.UUID) (*importer.Status, error) {
	st, ok := f.runs[runID]
	if !ok {
		return nil, importer.ErrRunNotFound
	}
	return st, nil
}

func (f *fakeImporter) Cancel(_ context.Context, runID uuid.UUID) (*models.ImportRun, error) {
	if _, ok := f.runs[runID]; !ok {
		return nil, importer.ErrRunNotFound
	}
	return &models.ImportRun{ID: runID, Status: models.RunStatusCancelled}, nil
}

func (f *fakeImporter) CreateSchedule(_ context.Context, searchID uuid.UUID) (*models.ScheduleRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	sr := &models.ScheduleRun{ID: uuid.New(), SearchID: searchID, Status: models.ScheduleStatusPending}
	f.schedules[sr.ID] = sr
	return sr, nil
}

func (f *fakeImporter) GetSchedule(_ context.Context, id uuid.UUID) (*models.ScheduleRun, error) {
	sr, ok := f.schedules[id]
	if !ok {
		return nil, importer.ErrScheduleNotFound
	}
	return sr, nil
}

func (f *fakeImporter) Advance(_ context.Context, id uuid.UUID) (*importer.Progress, error) {
	if _, ok := f.schedules[id]; !ok {
		return nil, importer.ErrScheduleNotFound
	}
	return &importer.Progress{Status: models.ScheduleStatusImporting, Stage: "urls", Percentage: 25}, nil
}

func setupRouter(t *testing.T, imp Importer, store storage.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandler(imp, store), Options{}, zerolog.Nop())
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthAndRequestID(t *testing.T) {
	r := setupRouter(t, newFakeImporter(), storage.NewMemoryStore())

	w := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(t, newFakeImporter(), storage.NewMemoryStore())
	w := do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStartImport(t *testing.T) {
	imp := newFakeImporter()
	r := setupRouter(t, imp, storage.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/v1/imports", gin.H{"search_id": uuid.NewString(), "mode": "urls_only"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp StartImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, imp.runID, resp.RunID)
	assert.Equal(t, models.ModeURLsOnly, imp.lastMode)

	w = do(t, r, http.MethodGet, "/api/v1/imports/"+resp.RunID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	w = do(t, r, http.MethodPost, "/api/v1/imports/"+resp.RunID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
}

func TestStartImport_Validation(t *testing.T) {
	r := setupRouter(t, newFakeImporter(), storage.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/v1/imports", gin.H{"search_id": "nope", "mode": "sideways"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	e := decodeError(t, w)
	assert.Equal(t, CodeValidation, e.Code)
	assert.Contains(t, e.Details, "SearchID")
	assert.Contains(t, e.Details, "Mode")
	assert.NotEmpty(t, e.RequestID)
}

func TestStartImport_SearchNotFound(t *testing.T) {
	imp := newFakeImporter()
	imp.err = importer.ErrSearchNotFound
	r := setupRouter(t, imp, storage.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/v1/imports", gin.H{"search_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Code)
}

func TestStartImport_InternalErrorIsHidden(t *testing.T) {
	imp := newFakeImporter()
	imp.err = errors.New("connection reset by peer")
	r := setupRouter(t, imp, storage.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/v1/imports", gin.H{"search_id": uuid.NewString()})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestGetImport_BadAndUnknownID(t *testing.T) {
	r := setupRouter(t, newFakeImporter(), storage.NewMemoryStore())

	w := do(t, r, http.MethodGet, "/api/v1/imports/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/imports/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchedules(t *testing.T) {
	r := setupRouter(t, newFakeImporter(), storage.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/v1/schedules", gin.H{"search_id": uuid.NewString()})
	require.Equal(t, http.StatusCreated, w.Code)
	var sr models.ScheduleRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sr))

	w = do(t, r, http.MethodGet, "/api/v1/schedules/"+sr.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/schedules/"+sr.ID.String()+"/advance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p importer.Progress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "urls", p.Stage)

	w = do(t, r, http.MethodPost, "/api/v1/schedules/"+uuid.NewString()+"/advance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchesAndProperty(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertSearch(ctx, &models.SearchQuery{Name: "Bath", URL: "https://example.com/search"}))
	require.NoError(t, store.UpsertProperty(ctx, &models.Property{ID: 77, Address: "1 High Street"}))
	require.NoError(t, store.UpsertSoldProperty(ctx, &models.SoldProperty{
		PropertyID: 77,
		Location:   "2 High Street",
		Events:     []models.SoldPriceEvent{{Price: 250000, Date: "2020-01-01"}},
	}))
	r := setupRouter(t, newFakeImporter(), store)

	w := do(t, r, http.MethodGet, "/api/v1/searches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(t, r, http.MethodGet, "/api/v1/properties/77", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp PropertyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(77), resp.Property.ID)
	require.Len(t, resp.Sold, 1)
	assert.Equal(t, 250000, resp.Sold[0].Events[0].Price)

	w = do(t, r, http.MethodGet, "/api/v1/properties/78", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/properties/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logger(zerolog.Nop()), Recovery(zerolog.Nop()))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := do(t, r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeInternal, decodeError(t, w).Code)
}
