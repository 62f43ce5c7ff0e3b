// Package app wires the application together: configuration, logging,
// telemetry, the store, the signer, the services and the HTTP router, with
// graceful shutdown on SIGINT/SIGTERM.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	custommw "licensegate/internal/middleware"
	"licensegate/internal/services"
	"licensegate/internal/store"
	transporthttp "licensegate/internal/transport/http"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Application holds the assembled dependencies.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Signer    *license.Signer
	Telemetry *infrastructure.Telemetry

	router chi.Router
}

// New builds the application from configuration. Missing signing material
// is a startup failure: the server never runs in a state where it could
// hand out unsigned activations.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("app: initializing logger: %w", err)
	}

	telemetry, err := infrastructure.InitTelemetry(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("app: initializing telemetry: %w", err)
	}

	pemData, err := cfg.Signing.PEM()
	if err != nil {
		return nil, err
	}
	signer, err := license.NewSigner(pemData)
	if err != nil {
		return nil, fmt.Errorf("app: loading signing key: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("app: opening store: %w", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Signer:    signer,
		Telemetry: telemetry,
	}
	app.router = app.buildRouter()
	return app, nil
}

func (a *Application) buildRouter() chi.Router {
	metrics := a.Telemetry.Metrics
	activationSvc := services.NewActivationService(a.Store, a.Signer, a.Logger, metrics)
	issuanceSvc := services.NewIssuanceService(a.Store, a.Logger, metrics)
	adminSvc := services.NewAdminService(a.Store, a.Logger, metrics)

	activationHandler := transporthttp.NewActivationHandler(activationSvc, a.Logger)
	webhookHandler := transporthttp.NewWebhookHandler(issuanceSvc, a.Config.Webhook.Secret, a.Logger)
	adminHandler := transporthttp.NewAdminHandler(adminSvc, a.Logger)
	healthHandler := transporthttp.NewHealthHandler(a.Store, Version)

	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))

	r.Get("/healthz", healthHandler.Health)
	if a.Telemetry.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", a.Telemetry.PrometheusHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if a.Config.RateLimit.Enabled {
					r.Use(custommw.RateLimit(a.Config.RateLimit.RPS, a.Config.RateLimit.Burst))
				}
				r.Mount("/licenses", activationHandler.Routes())
			})
			r.Mount("/webhooks", webhookHandler.Routes())
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommw.AdminAuth(a.Config.Admin.APIKey, a.Logger))
			r.Mount("/", adminHandler.Routes())
		})
	})

	return r
}

// Router exposes the assembled handler, mainly for tests.
func (a *Application) Router() http.Handler {
	return a.router
}

// Run starts the HTTP server and blocks until the context is canceled or
// the process receives SIGINT/SIGTERM, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("server listening",
			slog.Int("port", a.Config.Server.Port),
			slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutting down",
			slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := a.Telemetry.Shutdown(closeCtx); terr != nil {
		a.Logger.Warn("telemetry shutdown failed", slog.String("error", terr.Error()))
	}
	if serr := a.Store.Close(); serr != nil {
		a.Logger.Warn("store close failed", slog.String("error", serr.Error()))
	}
	return err
}
