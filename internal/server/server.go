// Package server exposes the HTTP surface: health, on-demand checks,
// one-click remediation links, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"spendguard/internal/executor"
	"spendguard/internal/metrics"
	"spendguard/internal/token"
	"spendguard/internal/watcher"
)

// CycleRunner triggers one check cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context, bucket time.Time) (watcher.CycleResult, error)
}

// Remediator validates a presented token and executes its action.
type Remediator interface {
	Execute(ctx context.Context, tok token.Token, confirmed bool) executor.Result
}

// Options configure the HTTP listener.
type Options struct {
	Address         string
	GracefulTimeout time.Duration
	DryRun          bool
}

// Server hosts the API endpoints.
type Server struct {
	opts    Options
	tokens  *token.Service
	runner  CycleRunner
	exec    Remediator
	logger  zerolog.Logger
	httpSrv *http.Server
}

// New wires the router. The returned server is started with Run.
func New(opts Options, tokens *token.Service, runner CycleRunner, exec Remediator, logger zerolog.Logger) *Server {
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = 10 * time.Second
	}
	s := &Server{
		opts:   opts,
		tokens: tokens,
		runner: runner,
		exec:   exec,
		logger: logger.With().Str("component", "server").Logger(),
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		s.logger.Error().Err(err).Msg("failed to register metrics collectors")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/check", s.handleCheck)
		api.GET("/execute/:action", s.handleExecute)
	}

	s.httpSrv = &http.Server{
		Addr:              opts.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.opts.Address).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.GracefulTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("forced http server shutdown")
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"dry_run":   s.opts.DryRun,
	})
}

func (s *Server) handleCheck(c *gin.Context) {
	result, err := s.runner.RunCycle(c.Request.Context(), time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("on-demand check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check cycle failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleExecute is the one-click remediation entry point. Token failures all
// map to the same generic response so callers cannot probe which check failed.
func (s *Server) handleExecute(c *gin.Context) {
	action, err := token.ParseAction(c.Param("action"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
		return
	}

	serialized := c.Query("token")
	if serialized == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "this link is no longer valid"})
		return
	}

	tok, err := s.tokens.Validate(c.Request.Context(), serialized)
	if err != nil {
		s.logger.Warn().Err(err).Str("action", string(action)).Msg("token rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "this link is no longer valid"})
		return
	}
	if tok.Action != action {
		s.logger.Warn().
			Str("url_action", string(action)).
			Str("token_action", string(tok.Action)).
			Msg("action mismatch between URL and token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "this link is no longer valid"})
		return
	}

	confirmed := c.Query("confirm") == "true"
	result := s.exec.Execute(c.Request.Context(), tok, confirmed)

	status := http.StatusOK
	switch result.State {
	case executor.StateDenied:
		status = http.StatusForbidden
	case executor.StateFailed:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"state":       string(result.State),
		"reason":      result.Reason,
		"resource_id": tok.ResourceID,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	}
}
