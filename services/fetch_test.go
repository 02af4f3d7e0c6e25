package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_importer/httputil"
	"estate_importer/models"
	"estate_importer/scraper"
	"estate_importer/storage"
)

type countingSource struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	delay   time.Duration
	active  int32
	maxSeen int32
}

func (s *countingSource) Detail(_ context.Context, pageURL string) (*models.Property, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, pageURL)
	fail := s.fail[pageURL]
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if fail {
		return nil, errors.New("parse failed")
	}
	id, _ := scraper.ListingIDFromURL(pageURL)
	return &models.Property{ID: id, URL: pageURL, Price: 100000}, nil
}

func listingTarget(id int64) Target {
	return Target{ID: id, URL: fmt.Sprintf("https://www.rightmove.co.uk/properties/%d", id)}
}

func TestFetchAll_StoreHitMakesNoRequest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertProperty(ctx, &models.Property{ID: 42, URL: "https://www.rightmove.co.uk/properties/42", Price: 250000}))

	source := &countingSource{}
	svc := NewFetchService(source, store, storage.NewMemoryCache(), FetchOptions{}, zerolog.Nop())

	res, err := svc.FetchAll(ctx, []Target{listingTarget(42)})
	require.NoError(t, err)

	assert.Empty(t, source.calls)
	require.Len(t, res.Properties, 1)
	assert.Equal(t, 250000, res.Properties[0].Price)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Failed)
}

func TestFetchAll_CacheHitSkipsLiveFetch(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{}
	svc := NewFetchService(source, storage.NewMemoryStore(), storage.NewMemoryCache(), FetchOptions{}, zerolog.Nop())

	_, err := svc.FetchAll(ctx, []Target{listingTarget(7)})
	require.NoError(t, err)
	require.Len(t, source.calls, 1)

	res, err := svc.FetchAll(ctx, []Target{listingTarget(7)})
	require.NoError(t, err)
	assert.Len(t, source.calls, 1)
	require.Len(t, res.Properties, 1)
	assert.Equal(t, int64(7), res.Properties[0].ID)
}

func TestFetchAll_FailuresCountedNotReturned(t *testing.T) {
	ctx := context.Background()
	bad := listingTarget(2)
	source := &countingSource{fail: map[string]bool{bad.URL: true}}
	svc := NewFetchService(source, nil, nil, FetchOptions{}, zerolog.Nop())

	res, err := svc.FetchAll(ctx, []Target{listingTarget(1), bad, listingTarget(3)})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Properties, 2)
	assert.Equal(t, int64(1), res.Properties[0].ID)
	assert.Equal(t, int64(3), res.Properties[1].ID)
}

func TestFetchAll_BoundsConcurrencyPerBatch(t *testing.T) {
	source := &countingSource{delay: 20 * time.Millisecond}
	svc := NewFetchService(source, nil, nil, FetchOptions{BatchSize: 5, BatchDelay: time.Millisecond}, zerolog.Nop())

	targets := make([]Target, 12)
	for i := range targets {
		targets[i] = listingTarget(int64(i + 1))
	}

	res, err := svc.FetchAll(context.Background(), targets)
	require.NoError(t, err)

	assert.Len(t, res.Properties, 12)
	assert.Len(t, source.calls, 12)
	assert.LessOrEqual(t, atomic.LoadInt32(&source.maxSeen), int32(5))
	assert.Greater(t, atomic.LoadInt32(&source.maxSeen), int32(1))
}

func TestFetchAll_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &countingSource{}
	svc := NewFetchService(source, nil, nil, FetchOptions{BatchSize: 1, BatchDelay: time.Hour}, zerolog.Nop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := svc.FetchAll(ctx, []Target{listingTarget(1), listingTarget(2)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Properties, 1)
	assert.Equal(t, 1, res.Failed)
}

func TestFetchAll_LiveOverHTTP(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		id := strings.TrimPrefix(r.URL.Path, "/properties/")
		if id == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `<html><script>window.PAGE_MODEL = {"propertyData":{"id":%s,"address":{"displayAddress":"1 High Street, Bath BA1 1AA"},"prices":{"primaryPrice":"£300,000"}}};</script></html>`, id)
	}))
	defer srv.Close()

	fetcher, err := httputil.NewHTTPFetcher(httputil.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	client := scraper.NewClient(fetcher, nil, zerolog.Nop())
	svc := NewFetchService(client, storage.NewMemoryStore(), storage.NewMemoryCache(), FetchOptions{}, zerolog.Nop())

	res, err := svc.FetchAll(context.Background(), []Target{
		{ID: 11, URL: srv.URL + "/properties/11"},
		{ID: 404, URL: srv.URL + "/properties/404"},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Properties, 1)
	assert.Equal(t, int64(11), res.Properties[0].ID)
	assert.Equal(t, 300000, res.Properties[0].Price)
	assert.Equal(t, "https://www.rightmove.co.uk/house-prices/ba1-1aa.html", res.Properties[0].SoldLink)
}
