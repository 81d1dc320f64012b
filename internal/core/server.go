// Package core provides the API chassis for TokenGate. It assembles a chi
// router and enforces cross-cutting concerns -- panic recovery, request
// correlation, logging, and error shaping -- before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokengate/internal/config"
)

// Server encapsulates the shared dependencies of the HTTP layer, allowing
// for easy injection during testing and distinct configuration per
// environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// V1RouteRegistrars register authenticated /v1 endpoints; the entry
	// point populates them before MountRoutes. This indirection avoids an
	// import cycle between core and the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// WebhookRouteRegistrars register provider-facing endpoints that live
	// outside the user-context middleware (webhooks authenticate by
	// signature, not by caller identity).
	WebhookRouteRegistrars []func(chi.Router)

	router      *chi.Mux
	shutdownFns []func(context.Context) error
}

// NewServer initializes dependencies and prepares the server for route
// mounting. The caller registers routes (via the registrar slices) and then
// calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterOnShutdown queues a cleanup function (pool close, client drain) to
// run during Shutdown, in registration order.
func (s *Server) RegisterOnShutdown(fn func(context.Context) error) {
	s.shutdownFns = append(s.shutdownFns, fn)
}

// Shutdown performs a graceful termination of server resources. The first
// cleanup error is returned; later cleanups still run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, fn := range s.shutdownFns {
		if err := fn(ctx); err != nil {
			s.Logger.Error("shutdown cleanup failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
