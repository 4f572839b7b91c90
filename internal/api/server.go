// Package api serves the administrative HTTP API: batch jobs, playlists,
// single get-or-generate calls, the ledger and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
)

// Jobs is the batch surface exposed over HTTP.
type Jobs interface {
	Submit(ctx context.Context, spec core.JobSpec) (core.BatchJob, error)
	Job(ctx context.Context, id string) (core.BatchJob, error)
	Jobs(ctx context.Context, filter core.JobFilter) ([]core.BatchJob, error)
	Cancel(ctx context.Context, id string) (core.BatchJob, error)
	Playlist(ctx context.Context, id string) (batch.Playlist, error)
}

// Generator serves single synthesis requests through the cache.
type Generator interface {
	GetOrGenerate(ctx context.Context, req core.SynthesisRequest) (cache.Result, error)
}

// Reporter produces ledger reports.
type Reporter interface {
	Report(ctx context.Context, window ledger.Window) (ledger.Report, error)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SynthesizeResponse is the body of a successful synthesize call.
type SynthesizeResponse struct {
	Fingerprint core.Fingerprint `json:"fingerprint"`
	CacheHit    bool             `json:"cache_hit"`
	Asset       core.AudioAsset  `json:"asset"`
}

// Server wires the handlers onto an echo instance.
type Server struct {
	echo      *echo.Echo
	jobs      Jobs
	generator Generator
	reporter  Reporter
	log       *logger.Logger
}

// New creates the server and registers every route.
func New(jobs Jobs, generator Generator, reporter Reporter, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency.Round(time.Millisecond))

			return nil
		},
	}))

	server := &Server{echo: e, jobs: jobs, generator: generator, reporter: reporter, log: log}
	server.routes()

	return server
}

func (s *Server) routes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "narration-service",
		})
	})
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/jobs", s.submitJob)
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/jobs/:id/playlist", s.getPlaylist)
	v1.POST("/jobs/:id/cancel", s.cancelJob)
	v1.GET("/ledger", s.getLedger)
	v1.POST("/synthesize", s.synthesize)
}

// Handler exposes the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("HTTP API listening on %s", addr)

	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	return nil
}

func (s *Server) submitJob(c echo.Context) error {
	var spec core.JobSpec

	err := c.Bind(&spec)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))
	}

	job, err := s.jobs.Submit(c.Request().Context(), spec)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) listJobs(c echo.Context) error {
	since, err := parseTime(c.QueryParam("since"))
	if err != nil {
		return s.fail(c, err)
	}

	until, err := parseTime(c.QueryParam("until"))
	if err != nil {
		return s.fail(c, err)
	}

	jobs, err := s.jobs.Jobs(c.Request().Context(), core.JobFilter{
		Status:   core.JobStatus(c.QueryParam("status")),
		TargetID: c.QueryParam("target_id"),
		Since:    since,
		Until:    until,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.jobs.Job(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, job)
}

func (s *Server) getPlaylist(c echo.Context) error {
	playlist, err := s.jobs.Playlist(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, playlist)
}

func (s *Server) cancelJob(c echo.Context) error {
	job, err := s.jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, job)
}

func (s *Server) getLedger(c echo.Context) error {
	since, err := parseTime(c.QueryParam("since"))
	if err != nil {
		return s.fail(c, err)
	}

	until, err := parseTime(c.QueryParam("until"))
	if err != nil {
		return s.fail(c, err)
	}

	report, err := s.reporter.Report(c.Request().Context(), ledger.Window{Since: since, Until: until})
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, report)
}

func (s *Server) synthesize(c echo.Context) error {
	var req core.SynthesisRequest

	err := c.Bind(&req)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))
	}

	result, err := s.generator.GetOrGenerate(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, SynthesizeResponse{
		Fingerprint: result.Fingerprint,
		CacheHit:    result.CacheHit,
		Asset:       result.Asset,
	})
}

func (s *Server) fail(c echo.Context, err error) error {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	return c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

// StatusFor maps a domain error onto an HTTP status and an error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, core.ErrNoItems):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrProviderInvalidInput):
		return http.StatusUnprocessableEntity, "provider_rejected_input"
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrJobTerminal):
		return http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrProviderRateLimited):
		return http.StatusTooManyRequests, "provider_rate_limited"
	case errors.Is(err, core.ErrProviderTransient), errors.Is(err, core.ErrProviderUnauthorized):
		return http.StatusBadGateway, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q is not RFC 3339", core.ErrInvalidRequest, value)
	}

	return parsed, nil
}
