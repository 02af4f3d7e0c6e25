package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	requestIDKey    = "request_id"
	loggerKey       = "logger"
	RequestIDHeader = "X-Request-ID"
)

// RequestID reuses an upstream X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Logger logs each request on a child logger carrying the request id.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := log.With().Str("request_id", requestID(c)).Logger()
		c.Set(loggerKey, reqLog)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = reqLog.Error()
		case status >= 400:
			ev = reqLog.Warn()
		default:
			ev = reqLog.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("ip", c.ClientIP()).
			Msg("request completed")
	}
}

func loggerFrom(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return l
		}
	}
	return fallback
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				l := loggerFrom(c, log)
				l.Error().
					Err(fmt.Errorf("panic: %v", r)).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")
				abort(c, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil)
			}
		}()
		c.Next()
	}
}

func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}
	return cors.New(cfg)
}
