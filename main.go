package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"estate_importer/api"
	"estate_importer/config"
	"estate_importer/httputil"
	"estate_importer/importer"
	"estate_importer/logging"
	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/scheduler"
	"estate_importer/scraper"
	"estate_importer/services"
	"estate_importer/storage"
	"estate_importer/workers"
)

const (
	queuePoll    = time.Second
	cronDrainMax = 100
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "estate_importer",
		Short:        "Imports property listings for saved searches",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), workCmd(), importCmd(), statusCmd(), migrateCmd(), searchesCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler, queue workers and media worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.syncSearches(ctx); err != nil {
				return err
			}

			// With no dedicated queue workers the cron tick drains the queue itself.
			var drainer scheduler.Drainer
			if a.cfg.Import.QueueWorkers <= 0 {
				drainer = a.queue
			}
			sched := scheduler.New(a.cfg.Scheduler.Cron, a.importer, drainer, cronDrainMax, logging.Component(a.log, "scheduler"))
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			router := api.NewRouter(api.NewHandler(a.importer, a.store), api.Options{
				Addr:        a.cfg.HTTPAddr,
				Env:         a.cfg.Env,
				CORSOrigins: a.cfg.CORSOrigins,
			}, logging.Component(a.log, "api"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.Serve(gctx, router, a.cfg.HTTPAddr, a.log)
			})
			if drainer == nil {
				g.Go(func() error {
					a.queue.Run(gctx, a.cfg.Import.QueueWorkers, queuePoll)
					return nil
				})
			}
			if a.media != nil {
				g.Go(func() error {
					a.media.Run(gctx, a.cfg.Media.BatchSize, a.cfg.Media.Interval)
					return nil
				})
			}

			a.log.Info().Msg("daemon running")
			return g.Wait()
		},
	}
}

func workCmd() *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run queue workers only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info().Strs("queues", queues).Int("workers", a.cfg.Import.QueueWorkers).Msg("queue workers starting")
			a.queue.Run(ctx, a.cfg.Import.QueueWorkers, queuePoll, queues...)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "queues to work (default: all)")
	return cmd
}

func importCmd() *cobra.Command {
	var (
		mode string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "import <search-id>",
		Short: "Start an import run for a saved search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			searchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid search id: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.syncSearches(ctx); err != nil {
				return err
			}

			runID, err := a.importer.StartImport(ctx, searchID, models.RunMode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), runID)
			if !wait {
				return nil
			}
			return a.runUntilDone(ctx, runID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeFull), "full, urls_only or fetch_details")
	cmd.Flags().BoolVar(&wait, "wait", false, "process the queue inline until the run finishes")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the status of an import run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.importer.GetStatus(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closer, err := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel, File: cfg.LogFile})
			if err != nil {
				return err
			}
			defer closer.Close()

			if cfg.StoreDriver != "postgres" {
				log.Info().Str("driver", cfg.StoreDriver).Msg("nothing to migrate")
				return nil
			}
			return storage.Migrate(cfg.DatabaseURL, log)
		},
	}
}

func searchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "searches",
		Short: "Manage saved searches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Upsert the saved searches from SEARCHES_DIR into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.syncSearches(cmd.Context()); err != nil {
				return err
			}
			for _, s := range a.cfg.Searches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Name)
			}
			return nil
		},
	})
	return cmd
}

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Store
	queue    *queue.Queue
	importer *importer.Service
	media    *workers.MediaWorker
	closers  []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { logCloser.Close() })

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.StoreDriver {
	case "postgres":
		if err := storage.Migrate(cfg.DatabaseURL, logging.Component(a.log, "migrate")); err != nil {
			return err
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.store = pg
		a.log.Info().Str("db", maskConnectionString(cfg.DatabaseURL)).Msg("connected to postgres")
	case "memory":
		a.store = storage.NewMemoryStore()
		a.log.Warn().Msg("using in-memory store, data is lost on exit")
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	a.closers = append(a.closers, a.store.Close)

	q, err := queue.Open(cfg.QueuePath, logging.Component(a.log, "queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q
	a.closers = append(a.closers, func() { q.Close() })

	var cache storage.Cache = storage.NewMemoryCache()
	if cfg.RedisURL != "" {
		rc, err := storage.NewRedisCache(ctx, cfg.RedisURL, "estate_importer:")
		if err != nil {
			return err
		}
		cache = rc
		a.closers = append(a.closers, func() { rc.Close() })
	}

	var archive scraper.Archiver = storage.NewDirArchive(cfg.ArchiveDir)
	var uploader *storage.S3Uploader
	if cfg.S3.Enabled() {
		uploader, err = storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		archive = uploader
	}

	fetcher, err := a.fetcher()
	if err != nil {
		return err
	}

	client := scraper.NewClient(fetcher, archive, logging.Component(a.log, "scraper"))
	fetch := services.NewFetchService(client, a.store, cache, services.FetchOptions{
		BatchSize:  cfg.Fetch.BatchSize,
		BatchDelay: cfg.Fetch.BatchDelay,
		CacheTTL:   cfg.Fetch.CacheTTL,
	}, logging.Component(a.log, "fetch"))

	a.importer = importer.New(importer.Deps{
		Store:   a.store,
		Queue:   q,
		Scraper: client,
		Fetch:   fetch,
		Config:  cfg.Import,
		Log:     logging.Component(a.log, "importer"),
	})

	if uploader != nil && cfg.Media.Enabled {
		a.media, err = workers.NewMediaWorker(a.store, uploader, cfg.Fetch.ProxyURL, logging.Component(a.log, "media"))
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) fetcher() (httputil.Fetcher, error) {
	if a.cfg.Fetch.Mode == "browser" {
		bf := httputil.NewBrowserFetcher(a.cfg.Fetch.BrowserHeadless, a.cfg.Fetch.Timeout)
		a.closers = append(a.closers, bf.Close)
		return bf, nil
	}
	return httputil.NewHTTPFetcher(httputil.Options{
		Timeout:     a.cfg.Fetch.Timeout,
		InsecureTLS: a.cfg.Fetch.InsecureTLS,
		ProxyURL:    a.cfg.Fetch.ProxyURL,
	})
}

func (a *app) syncSearches(ctx context.Context) error {
	for _, s := range a.cfg.Searches {
		if err := a.store.UpsertSearch(ctx, s); err != nil {
			return fmt.Errorf("sync search %s: %w", s.Name, err)
		}
	}
	if len(a.cfg.Searches) > 0 {
		a.log.Info().Int("searches", len(a.cfg.Searches)).Msg("saved searches synced")
	}
	return nil
}

// runUntilDone works the queue inline, printing progress, until the run
// reaches a terminal status.
func (a *app) runUntilDone(ctx context.Context, runID uuid.UUID, out io.Writer) error {
	for {
		if _, err := a.queue.Drain(ctx, 0); err != nil {
			return err
		}
		status, err := a.importer.GetStatus(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-10s %5.1f%%  %s\n", status.Status, status.Percentage, status.Message)
		if status.Status.Terminal() {
			return printJSON(out, status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskConnectionString hides the password in a connection string for logging.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3
	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
