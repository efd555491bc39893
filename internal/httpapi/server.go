// Package httpapi is the HTTP surface of the server: the websocket upgrade
// endpoint, a read-only REST API over engine state, the Prometheus metrics
// endpoint and the audit-log view. The wire protocol stays the only mutation
// surface; everything here observes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"archive/server/internal/engine"
	"archive/server/internal/store"
	"archive/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	store  *store.Store
}

// New constructs an Echo app with websocket + REST routes. The store is
// optional; audit routes are registered only when one is present.
func New(eng *engine.Engine, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, engine: eng, store: st}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			// Skip noisy endpoints at debug level.
			if path == "/ws" || path == "/healthz" || path == "/metrics" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/stats", s.handleStats)
	if s.store != nil {
		s.echo.GET("/api/audit", s.handleAudit)
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	ws.NewHandler(s.engine).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Rooms    int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.engine.SessionCount(),
		Rooms:    s.engine.RoomCount(),
	})
}

type roomsResponse struct {
	Rooms []engine.RoomInfo `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.engine.Rooms()
	if rooms == nil {
		rooms = []engine.RoomInfo{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}

type sessionsResponse struct {
	Sessions []engine.SessionInfo `json:"sessions"`
}

func (s *Server) handleSessions(c echo.Context) error {
	sessions := s.engine.Sessions()
	if sessions == nil {
		sessions = []engine.SessionInfo{}
	}
	return c.JSON(http.StatusOK, sessionsResponse{Sessions: sessions})
}

type statsResponse struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{
		Sessions: s.engine.SessionCount(),
		Rooms:    s.engine.RoomCount(),
	})
}

type auditEntry struct {
	ID         string `json:"id"`
	ConnID     uint64 `json:"conn_id"`
	Event      string `json:"event"`
	Detail     string `json:"detail,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleAudit(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..1000")
		}
		limit = n
	}

	rows, err := s.store.RecentAudit(c.Request().Context(), limit)
	if err != nil {
		slog.Error("audit query failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "audit query failed")
	}

	out := make([]auditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, auditEntry{
			ID:         r.ID,
			ConnID:     r.ConnID,
			Event:      r.Event,
			Detail:     r.Detail,
			RemoteAddr: r.RemoteAddr,
			CreatedAt:  r.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return c.JSON(http.StatusOK, out)
}
