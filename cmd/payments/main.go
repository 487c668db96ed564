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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"cargopay/internal/common/api"
	"cargopay/internal/common/database"
	"cargopay/internal/common/middleware"
	"cargopay/internal/common/natsclient"
	"cargopay/internal/gateway"
	"cargopay/internal/gateway/clickpesa"
	"cargopay/internal/gateway/paypal"
	"cargopay/internal/gateway/stripe"
	"cargopay/internal/payments"
	paymentsapi "cargopay/internal/payments/api"
	"cargopay/internal/webhook"
	"cargopay/migrations"
)

// Config is the top-level service configuration.
type Config struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	GatewayTimeout  time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	EventsEnabled   bool          `envconfig:"EVENTS_ENABLED" default:"false"`
	EventStream     string        `envconfig:"EVENT_STREAM" default:"PAYMENTS"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dbCfg database.Config
	if err := envconfig.Process("", &dbCfg); err != nil {
		return fmt.Errorf("loading database config: %w", err)
	}
	db, err := database.New(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(dbCfg.URL, migrations.FS, ".", logger); err != nil {
		return err
	}

	var publisher payments.EventPublisher
	var nc *natsclient.Client
	if cfg.EventsEnabled {
		var natsCfg natsclient.Config
		if err := envconfig.Process("", &natsCfg); err != nil {
			return fmt.Errorf("loading NATS config: %w", err)
		}
		nc, err = natsclient.New(ctx, natsCfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := nc.EnsureStream(ctx, cfg.EventStream, []string{"events.>"}); err != nil {
			return err
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	registry, err := buildRegistry(logger)
	if err != nil {
		return err
	}
	for _, gw := range registry.All() {
		logger.Info("gateway registered",
			"gateway", gw.Name(),
			"configured", gw.IsConfigured(),
			"methods", gw.PaymentMethods(),
		)
	}

	store := payments.NewPostgresStore(db, logger)
	service := payments.NewService(store, registry, publisher, cfg.GatewayTimeout, logger)

	router := newRouter(cfg, logger, db, nc, service)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildRegistry loads each gateway's credentials and constructs the
// closed adapter set. Unconfigured adapters still register so they can
// report their state; their operations fail fast.
func buildRegistry(logger *slog.Logger) (*gateway.Registry, error) {
	var stripeCfg stripe.Config
	if err := envconfig.Process("", &stripeCfg); err != nil {
		return nil, fmt.Errorf("loading stripe config: %w", err)
	}
	var paypalCfg paypal.Config
	if err := envconfig.Process("", &paypalCfg); err != nil {
		return nil, fmt.Errorf("loading paypal config: %w", err)
	}
	var clickpesaCfg clickpesa.Config
	if err := envconfig.Process("", &clickpesaCfg); err != nil {
		return nil, fmt.Errorf("loading clickpesa config: %w", err)
	}

	tokenCache := gateway.NewTokenCache()
	return gateway.NewRegistry(
		stripe.NewAdapter(stripeCfg, logger),
		paypal.NewAdapter(paypalCfg, tokenCache, logger),
		clickpesa.NewAdapter(clickpesaCfg, tokenCache, logger),
	), nil
}

func newRouter(cfg Config, logger *slog.Logger, db *database.DB, nc *natsclient.Client, service *payments.Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := db.HealthCheck(req.Context()); err != nil {
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeInternalError, "database unavailable")
			return
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeInternalError, "event bus unavailable")
				return
			}
		}
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Mount("/webhooks/payments", webhook.NewHandler(service, logger).Routes())
	r.Mount("/api/v1/payments", paymentsapi.NewHandler(service, logger).Routes())

	return r
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
