// Package main is the entry point for the TokenGate API server.
//
// It loads configuration, opens the database pool, wires the entitlement
// state machine, quota ledger, and Stripe adapter, builds the HTTP server
// with the core chassis, and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokengate/internal/api/handlers"
	"tokengate/internal/billing"
	"tokengate/internal/config"
	"tokengate/internal/core"
	"tokengate/internal/db"
	"tokengate/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	// For local development the EnvVarProvider resolves secret references
	// from the environment; deployments substitute their secret manager.
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("tokengate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	// Repositories.
	entitlementRepo := db.NewEntitlementRepo(pool, logger)
	quotaRepo := db.NewQuotaRepo(pool)
	usageRepo := db.NewUsageLogRepo(pool)

	// Processor adapter. The 20-second client timeout bounds every Stripe
	// call; BaseClient retries and the breaker sit on top of it.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeAPIBaseURL,
			Prices:    cfg.Billing.PriceMap(),
			Logger:    logger,
		},
	)

	// Domain services.
	registry := billing.NewStaticPlanRegistry()
	ledger := billing.NewQuotaLedger(quotaRepo, registry, logger)
	entitlements := billing.NewEntitlementService(entitlementRepo, stripeClient, registry, ledger, logger)
	meter := billing.NewMeter(entitlements, registry, ledger, usageRepo, logger)
	usageReporter := billing.NewUsageReporter(entitlements, ledger, usageRepo)

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.RegisterOnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	billingHandler := handlers.NewBillingHandler(
		stripeClient,
		entitlements,
		usageReporter,
		srv.Validator,
		cfg.Server.DashboardURL,
		logger,
	)
	meterHandler := handlers.NewMeterHandler(meter, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		entitlements,
		stripeClient,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		meterHandler.RegisterRoutes,
	)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars,
		webhookHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful
// shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
