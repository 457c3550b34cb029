package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"hourgate/internal/client"
	"hourgate/internal/config"
	"hourgate/internal/infrastructure"
	"hourgate/internal/ledger"
	customMiddleware "hourgate/internal/middleware"
	"hourgate/internal/payments"
	handlers "hourgate/internal/transport/http"
	"hourgate/internal/usage"
)

// WebApp is the license-protected application: the registry client, the
// session tracker, the audit ledger, and the gated HTTP surface.
type WebApp struct {
	Config     *config.Config
	Logger     *slog.Logger
	OTel       *infrastructure.OTelProviders
	Client     *client.Client
	Ledger     *ledger.Ledger
	Tracker    *usage.Tracker
	Reconciler *payments.Reconciler
	Gate       *customMiddleware.AccessController
	Router     *chi.Mux
	Server     *http.Server
	cron       *cron.Cron
}

// NewWebApp loads configuration and builds the protected application.
func NewWebApp() (*WebApp, error) {
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
	logger.Info("web application starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("license_server", cfg.License.ServerURL),
		slog.Bool("require_license_server", cfg.License.RequireLicenseServer),
		slog.Bool("enforce_payment", cfg.License.EnforcePayment))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registryClient := client.New(cfg.License.ServerURL, cfg.License.RequestTimeout, logger)

	auditLedger, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}

	tracker := usage.NewTracker(registryClient, auditLedger, usage.Config{
		CheckInterval:        cfg.License.CheckInterval(),
		RequireLicenseServer: cfg.License.RequireLicenseServer,
	}, logger)

	reconciler := payments.NewReconciler(registryClient, auditLedger, logger)

	gateMetrics, err := customMiddleware.NewGateMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate metrics: %w", err)
	}
	gate := customMiddleware.NewAccessController(registryClient, tracker, customMiddleware.AccessControllerConfig{
		RequireLicenseServer: cfg.License.RequireLicenseServer,
		EnforcePayment:       cfg.License.EnforcePayment,
		CacheTTL:             cfg.License.CheckInterval(),
	}, logger, gateMetrics)

	a := &WebApp{
		Config:     cfg,
		Logger:     logger,
		OTel:       otelProviders,
		Client:     registryClient,
		Ledger:     auditLedger,
		Tracker:    tracker,
		Reconciler: reconciler,
		Gate:       gate,
	}
	a.Router = a.buildRouter()
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if err := a.scheduleJobs(); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance jobs: %w", err)
	}
	return a, nil
}

func (a *WebApp) buildRouter() *chi.Mux {
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

	dataHandler := handlers.NewDataHandler(a.Config.Server.DataDir, a.Logger)
	usageHandler := handlers.NewUsageHandler(a.Ledger, a.Tracker, a.Reconciler,
		a.Config.Ledger.StatsWindow, a.Logger)

	// Health, metrics and the payment webhook stay outside the gate: the
	// webhook must land even when the caller has no license key.
	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})
	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}
	r.Post("/api/payments/webhook", usageHandler.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(a.Gate.Handler)
		r.Mount("/api/data", dataHandler.Routes())
		r.Mount("/api/usage", usageHandler.Routes())
	})
	return r
}

// scheduleJobs registers the periodic maintenance work: stale-session
// cleanup and ledger retention.
func (a *WebApp) scheduleJobs() error {
	c := cron.New()

	maxAge := time.Duration(a.Config.License.MaxSessionAgeHours * float64(time.Hour))
	if _, err := c.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a.Tracker.Cleanup(ctx, maxAge)
	}); err != nil {
		return err
	}

	retention := a.Config.Ledger.RetentionDays
	if _, err := c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		purged, err := a.Ledger.PurgeOlderThan(ctx, retention)
		if err != nil {
			a.Logger.Error("ledger retention purge failed", slog.String("error", err.Error()))
			return
		}
		if purged > 0 {
			a.Logger.Info("purged aged ledger records", slog.Int64("purged", purged))
		}
	}); err != nil {
		return err
	}

	a.cron = c
	return nil
}

// Run serves until the context is canceled, then shuts down gracefully,
// ending every live session so unbilled time is trued up.
func (a *WebApp) Run(ctx context.Context) error {
	a.cron.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("web application listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("web application shutting down")

		cronCtx := a.cron.Stop()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		a.Tracker.EndAll(shutdownCtx)
		<-cronCtx.Done()

		if err := a.Ledger.Close(); err != nil {
			a.Logger.Warn("ledger close failed", slog.String("error", err.Error()))
		}
		if err := a.OTel.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("otel shutdown failed", slog.String("error", err.Error()))
		}
		infrastructure.CloseLogFile()
		return nil
	})
	return g.Wait()
}
