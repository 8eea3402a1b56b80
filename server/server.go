package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigshoulders/stq/engine"
	"github.com/bigshoulders/stq/internal/profile"
	apiv1 "github.com/bigshoulders/stq/server/router/api/v1"
	"github.com/bigshoulders/stq/store"
)

// Server wires the engine into an HTTP front. The transport stays thin:
// every decision lives in the engine and the store underneath it.
type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile
	store      *store.Store

	Engine *engine.Engine
}

func NewServer(_ context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	taskEngine := engine.New(store)

	s := &Server{
		echoServer: e,
		profile:    profile,
		store:      store,
		Engine:     taskEngine,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1Service := apiv1.NewAPIV1Service(profile, taskEngine)
	apiV1Service.RegisterRoutes(e)

	return s, nil
}

func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.profile.Host, s.profile.Port)
	return s.echoServer.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shutdown")
}
