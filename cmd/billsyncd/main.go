// Command billsyncd serves the billing checkout and webhook endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/internal/config"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
	zerologadapter "github.com/mihaimyh/billsync/pkg/billsync/logger/zerolog"
	prometheusadapter "github.com/mihaimyh/billsync/pkg/billsync/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/billsync/stripe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "billsyncd: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	if err := run(cfg, &zlog); err != nil {
		zlog.Fatal().Err(err).Msg("billsyncd stopped")
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "billsyncd").Logger()
}

func run(cfg *config.Config, zlog *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)
	metrics := prometheusadapter.DefaultMetrics(cfg.MetricsNamespace)

	catalog, err := loadCatalog(cfg.PlanCatalogFile)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	apiConfig := api.Config{
		Storage:          store,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Logger:           logger,
		Metrics:          metrics,
	}
	if cfg.BillingConfigured() {
		if err := wireBilling(cfg, catalog, store, logger, metrics, &apiConfig); err != nil {
			return err
		}
	} else {
		logger.Warn("stripe secrets missing, billing endpoints answer not_configured")
	}

	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(zlog))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			billsync.Field{Key: "addr", Value: cfg.ListenAddr},
			billsync.Field{Key: "storage", Value: cfg.StorageBackend},
			billsync.Field{Key: "billing_configured", Value: cfg.BillingConfigured()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// wireBilling builds the Stripe-backed Initiator, Verifier and Reconciler
func wireBilling(cfg *config.Config, catalog *billsync.Catalog, store billsync.Store,
	logger billsync.Logger, metrics billsync.Metrics, apiConfig *api.Config) error {
	provider, err := stripe.NewProvider(stripe.Config{
		SecretKey: cfg.StripeSecretKey,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	breaker := billsync.NewDefaultCircuitBreaker(5, 30*time.Second, func(state billsync.CircuitBreakerState) {
		metrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn("stripe circuit breaker state changed", billsync.Field{Key: "state", Value: state})
	})

	initiator, err := billsync.NewInitiator(billsync.InitiatorConfig{
		Catalog:         catalog,
		Provider:        provider,
		Sessions:        store,
		SuccessURL:      cfg.SuccessURL(),
		CancelURL:       cfg.CancelURL(),
		ProviderTimeout: cfg.ProviderTimeout,
		CircuitBreaker:  breaker,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create session initiator: %w", err)
	}

	verifier, err := stripe.NewVerifier(stripe.VerifierConfig{
		WebhookSecret: cfg.StripeWebhookSecret,
		Catalog:       catalog,
	})
	if err != nil {
		return err
	}

	reconciler, err := billsync.NewReconciler(billsync.ReconcilerConfig{
		Storage:  store,
		Sessions: store,
		OnTransition: func(_ context.Context, change billsync.StatusChange) error {
			logger.Info("subscription status changed",
				billsync.Field{Key: "subscription_id", Value: change.SubscriptionID},
				billsync.Field{Key: "from", Value: change.PreviousStatus},
				billsync.Field{Key: "to", Value: change.NewStatus},
				billsync.Field{Key: "event_id", Value: change.EventID})
			return nil
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	apiConfig.Initiator = initiator
	apiConfig.Verifier = verifier
	apiConfig.Reconciler = reconciler
	return nil
}

func loadCatalog(path string) (*billsync.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan catalog: %w", err)
	}
	defer f.Close()

	catalog, err := billsync.LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan catalog %s: %w", path, err)
	}
	return catalog, nil
}

func requestLogger(zlog *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			zlog.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", w.Header().Get("X-Request-ID")).
				Msg("request")
		})
	}
}
