// Package httpapi serves the coordinator control surface over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

// Server provides HTTP endpoints for quill.
type Server struct {
	echo    *echo.Echo
	coord   *workflow.Coordinator
	metrics http.Handler
	addr    string
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates a server listening on addr.
func NewServer(coord *workflow.Coordinator, addr string, opts ...Option) (*Server, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	})

	s := &Server{echo: e, coord: coord, addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.DELETE("/runs/:id", s.handleDeleteRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/runs/:id/trace", s.handleTrace)
	v1.POST("/runs/:id/approval", s.handleApproval)
	v1.GET("/approvals/pending", s.handlePending)
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	slog.Info("starting http server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// CreateRunRequest is the body of POST /api/v1/runs.
type CreateRunRequest struct {
	Request string `json:"request"`
	Context string `json:"context,omitempty"`
}

// ApprovalRequest is the body of POST /api/v1/runs/:id/approval.
type ApprovalRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	Resolver string `json:"resolver"`
}

// ListRunsResponse is the body of GET /api/v1/runs.
type ListRunsResponse struct {
	Runs []workflow.Summary `json:"runs"`
}

// TraceResponse is the body of GET /api/v1/runs/:id/trace.
type TraceResponse struct {
	RunID    string        `json:"run_id"`
	Events   []trace.Event `json:"events"`
	Verified bool          `json:"verified"`
	Error    string        `json:"error,omitempty"`
}

// PendingResponse is the body of GET /api/v1/approvals/pending.
type PendingResponse struct {
	Pending []approval.Pending `json:"pending"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Request) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request field is required")
	}
	run, err := s.coord.Start(c.Request().Context(), workflow.Request{Request: req.Request, Context: req.Context})
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+run.ID)
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.coord.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ListRunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.coord.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleDeleteRun(c echo.Context) error {
	if err := s.coord.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.coord.Cancel(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleTrace(c echo.Context) error {
	id := c.Param("id")
	events, err := s.coord.Trace(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := TraceResponse{RunID: id, Events: events, Verified: true}
	if err := trace.Verify(events); err != nil {
		resp.Verified = false
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved field is required")
	}
	if strings.TrimSpace(req.Resolver) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resolver field is required")
	}
	d, err := s.coord.Approve(c.Request().Context(), c.Param("id"), *req.Approved, req.Comment, req.Resolver)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handlePending(c echo.Context) error {
	return c.JSON(http.StatusOK, PendingResponse{Pending: s.coord.Pending()})
}

// httpError maps coordinator errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrRunActive),
		errors.Is(err, workflow.ErrNotActive),
		errors.Is(err, approval.ErrNotAwaiting),
		errors.Is(err, approval.ErrAlreadyDecided):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	slog.Error("request failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
