// Package app wires the two deployables: the license registry server and
// the license-protected web application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"hourgate/internal/config"
	"hourgate/internal/infrastructure"
	"hourgate/internal/license"
	customMiddleware "hourgate/internal/middleware"
	"hourgate/internal/services"
	handlers "hourgate/internal/transport/http"
)

// RegistryApp is the license registry server: the authoritative store, the
// registry operations and their HTTP surface.
type RegistryApp struct {
	Config   *config.Config
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Store    *license.FileStore
	Registry *license.Registry
	Service  services.LicenseService
	Router   *chi.Mux
	Server   *http.Server
}

// NewRegistryApp loads configuration and builds the registry server.
func NewRegistryApp() (*RegistryApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("license registry starting",
		slog.Int("port", cfg.Registry.Port),
		slog.String("store_path", cfg.Registry.StorePath))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	store, err := license.OpenFileStore(cfg.Registry.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}
	keygen, err := license.NewKeyGenerator(cfg.Registry.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key generator: %w", err)
	}
	metrics, err := license.NewRegistryMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry metrics: %w", err)
	}

	registry := license.NewRegistry(store, keygen, logger, metrics)
	service := services.NewLicenseService(registry, cfg.License.EnforcePayment, logger)

	a := &RegistryApp{
		Config:   cfg,
		Logger:   logger,
		OTel:     otelProviders,
		Store:    store,
		Registry: registry,
		Service:  service,
	}
	a.Router = a.buildRouter()
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Registry.Port),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

func (a *RegistryApp) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	if a.Config.Security.RateLimit.Enabled {
		limiter := customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger)
		r.Use(limiter.Handler)
	}
	r.Use(chimiddleware.Timeout(30 * time.Second))

	licenseHandler := handlers.NewLicenseHandler(a.Service, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Service, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Mount("/licenses", licenseHandler.Routes())
		r.Get("/health", healthHandler.Health)
	})
	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}
	return r
}

// Run serves until the context is canceled, then shuts down gracefully.
func (a *RegistryApp) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("registry listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("registry shutting down")
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("registry shutdown failed: %w", err)
		}
		if err := a.OTel.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("otel shutdown failed", slog.String("error", err.Error()))
		}
		infrastructure.CloseLogFile()
		return nil
	})
	return g.Wait()
}
