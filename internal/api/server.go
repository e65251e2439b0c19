// Package api serves recorded extreme events and their outcome statistics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"market-extremes/internal/stats"
	"market-extremes/internal/tracker"
)

// Options configure the HTTP listener.
type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Eligibility enables the cooldown state route when set.
	Eligibility Eligibility
}

// Eligibility reports whether a key may record a new event.
type Eligibility interface {
	Eligibility(ctx context.Context, symbol, dimension string, windowDays int) (tracker.State, error)
}

// Server is the read-only HTTP API.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wires routes over store. metricsHandler may be nil.
func NewServer(opts Options, store stats.Reader, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger = logger.With().Str("component", "api").Logger()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{store: store, stats: stats.New(store), eligibility: opts.Eligibility}
	router.GET("/health", h.health)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events/:symbol/:dimension/:window")
		events.GET("", h.listEvents)
		events.GET("/summary", h.summary)
		events.GET("/latest", h.latest)
		if h.eligibility != nil {
			events.GET("/state", h.state)
		}
	}

	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	return &Server{
		router: router,
		srv: &http.Server{
			Addr:         opts.Listen,
			Handler:      router,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info().Msg("api stopped")
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
