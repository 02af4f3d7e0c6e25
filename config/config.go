package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"estate_importer/models"
)

type Config struct {
	Env         string
	LogLevel    string
	LogFile     string
	HTTPAddr    string
	CORSOrigins []string
	DatabaseURL string
	StoreDriver string
	QueuePath   string
	RedisURL    string
	SearchesDir string
	Fetch       FetchConfig
	Import      ImportConfig
	Scheduler   SchedulerConfig
	S3          S3Config
	Media       MediaConfig
	ArchiveDir  string
	Searches    []*models.SearchQuery
}

type FetchConfig struct {
	Mode            string // http or browser
	Timeout         time.Duration
	InsecureTLS     bool
	ProxyURL        string
	BatchSize       int
	BatchDelay      time.Duration
	CacheTTL        time.Duration
	BrowserHeadless bool
}

type ImportConfig struct {
	ProbeDelay    time.Duration
	ChunkDelay    time.Duration
	SoldPageDelay time.Duration
	SoldBatchSize int
	QueueWorkers  int
}

type SchedulerConfig struct {
	Cron string
}

type MediaConfig struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		QueuePath:   getEnv("QUEUE_PATH", "queue.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SearchesDir: getEnv("SEARCHES_DIR", "config/searches"),
		Fetch: FetchConfig{
			Mode:            getEnv("FETCH_MODE", "http"),
			Timeout:         getEnvDuration("FETCH_TIMEOUT", 20*time.Second),
			InsecureTLS:     getEnvBool("FETCH_INSECURE_TLS", false),
			ProxyURL:        os.Getenv("PROXY_URL"),
			BatchSize:       getEnvInt("FETCH_BATCH_SIZE", 30),
			BatchDelay:      getEnvDuration("FETCH_BATCH_DELAY", 500*time.Millisecond),
			CacheTTL:        getEnvDuration("CACHE_TTL", time.Hour),
			BrowserHeadless: getEnvBool("BROWSER_HEADLESS", true),
		},
		Import: ImportConfig{
			ProbeDelay:    getEnvDuration("PROBE_DELAY", 750*time.Millisecond),
			ChunkDelay:    getEnvDuration("CHUNK_DELAY", 2*time.Second),
			SoldPageDelay: getEnvDuration("SOLD_PAGE_DELAY", 500*time.Millisecond),
			SoldBatchSize: getEnvInt("SOLD_BATCH_SIZE", 5),
			QueueWorkers:  getEnvInt("QUEUE_WORKERS", 2),
		},
		Scheduler: SchedulerConfig{
			Cron: getEnv("CRON_SPEC", "@every 1m"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Media: MediaConfig{
			Enabled:   getEnvBool("MEDIA_ENABLED", true),
			BatchSize: getEnvInt("MEDIA_BATCH_SIZE", 20),
			Interval:  getEnvDuration("MEDIA_INTERVAL", 2*time.Minute),
		},
		ArchiveDir: getEnv("ARCHIVE_DIR", "archive"),
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}

	searches, err := LoadSearches(cfg.SearchesDir)
	if err != nil {
		return nil, err
	}
	cfg.Searches = searches

	return cfg, nil
}

// LoadSearches reads every *.yaml saved search in dir. A missing directory
// yields no searches.
func LoadSearches(dir string) ([]*models.SearchQuery, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	validate := validator.New()
	var searches []*models.SearchQuery
	for _, entry := range entries {
		if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yaml" && filepath.Ext(entry.Name()) != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var search models.SearchQuery
		if err := yaml.Unmarshal(data, &search); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := validate.Struct(&search); err != nil {
			return nil, fmt.Errorf("invalid search %s: %w", entry.Name(), err)
		}

		searches = append(searches, &search)
	}

	return searches, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
