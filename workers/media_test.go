package workers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_importer/models"
	"estate_importer/storage"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (u *memUploader) Upload(_ context.Context, key string, data io.Reader, _ string) error {
	if u.fail {
		return errors.New("bucket unavailable")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = b
	return nil
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMediaWorker_MirrorsPendingImages(t *testing.T) {
	ctx := context.Background()
	srv := newImageServer(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertProperty(ctx, &models.Property{ID: 1, Images: []string{srv.URL + "/a", srv.URL + "/b.webp"}}))

	up := &memUploader{objects: map[string][]byte{}}
	w, err := NewMediaWorker(store, up, "", zerolog.Nop())
	require.NoError(t, err)
	w.delay = 0

	processed, failed := w.ProcessBatch(ctx, 10)
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)
	assert.Len(t, up.objects, 2)

	pending, err := store.ListPendingImages(ctx, 10, MaxMediaAttempts)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for key, body := range up.objects {
		assert.Regexp(t, `^media/[0-9a-f]{2}/[0-9a-f]{64}\.(png|webp)$`, key)
		assert.True(t, bytes.HasPrefix(body, []byte("png-bytes:")))
	}
}

func TestMediaWorker_FailuresRetryThenGiveUp(t *testing.T) {
	ctx := context.Background()
	srv := newImageServer(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertProperty(ctx, &models.Property{ID: 2, Images: []string{srv.URL + "/missing.jpg"}}))

	w, err := NewMediaWorker(store, &memUploader{objects: map[string][]byte{}}, "", zerolog.Nop())
	require.NoError(t, err)
	w.delay = 0

	for i := 0; i < MaxMediaAttempts; i++ {
		_, failed := w.ProcessBatch(ctx, 10)
		assert.Equal(t, 1, failed, "attempt %d", i+1)
	}

	pending, err := store.ListPendingImages(ctx, 10, MaxMediaAttempts)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMediaWorker_UploadError(t *testing.T) {
	srv := newImageServer(t)
	w, err := NewMediaWorker(storage.NewMemoryStore(), &memUploader{fail: true}, "", zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Mirror(context.Background(), &models.PropertyImage{URL: srv.URL + "/x.jpg"})
	assert.ErrorContains(t, err, "bucket unavailable")
}

func TestGuessExtension(t *testing.T) {
	assert.Equal(t, ".jpeg", guessExtension("https://media.example.com/a/b.JPEG?w=200", ""))
	assert.Equal(t, ".png", guessExtension("https://media.example.com/img", "image/png"))
	assert.Equal(t, ".jpg", guessExtension("https://media.example.com/img", ""))
}

func TestNewMediaWorker_BadProxy(t *testing.T) {
	_, err := NewMediaWorker(storage.NewMemoryStore(), &memUploader{}, "://bad", zerolog.Nop())
	assert.Error(t, err)
}
