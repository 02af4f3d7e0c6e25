package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSearches_Valid(t *testing.T) {
	searches, err := LoadSearches("testdata")
	require.NoError(t, err)
	require.Len(t, searches, 1)

	s := searches[0]
	assert.Equal(t, "0b5a4c1e-9d2f-4a7b-8c3e-1f2a3b4c5d6e", s.ID.String())
	assert.Equal(t, "Bristol flats", s.Name)
	assert.Equal(t, 150000, s.MinPrice)
	assert.Equal(t, 400000, s.MaxPrice)
}

func TestLoadSearches_RejectsInvertedBounds(t *testing.T) {
	_, err := LoadSearches("testdata/invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestLoadSearches_MissingDir(t *testing.T) {
	searches, err := LoadSearches("testdata/does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, searches)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SEARCHES_DIR", "testdata")
	t.Setenv("FETCH_BATCH_SIZE", "12")
	t.Setenv("CHUNK_DELAY", "250ms")
	t.Setenv("FETCH_INSECURE_TLS", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Fetch.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Import.ChunkDelay)
	assert.True(t, cfg.Fetch.InsecureTLS)
	assert.Equal(t, "@every 1m", cfg.Scheduler.Cron)
	assert.Len(t, cfg.Searches, 1)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Media.Interval)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SEARCHES_DIR", "testdata")

	_, err := Load()
	require.Error(t, err)
}
