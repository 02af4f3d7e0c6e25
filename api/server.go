// Package api serves the import engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

type Options struct {
	Addr        string
	Env         string
	CORSOrigins []string
}

// NewRouter wires middleware and routes. Middleware order: request id,
// logger, recovery, CORS.
func NewRouter(h *Handler, opts Options, log zerolog.Logger) *gin.Engine {
	if opts.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(RequestID(), Logger(log), Recovery(log), CORS(opts.CORSOrigins))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/searches", h.ListSearches)

		imports := v1.Group("/imports")
		{
			imports.POST("", h.StartImport)
			imports.GET("/:id", h.GetImport)
			imports.POST("/:id/cancel", h.CancelImport)
		}

		schedules := v1.Group("/schedules")
		{
			schedules.POST("", h.CreateSchedule)
			schedules.GET("/:id", h.GetSchedule)
			schedules.POST("/:id/advance", h.AdvanceSchedule)
		}

		v1.GET("/properties/:id", h.GetProperty)
	}
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, handler http.Handler, addr string, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
