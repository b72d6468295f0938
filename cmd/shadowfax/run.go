package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/events"
	"github.com/eugener/shadowfax/internal/lifecycle"
	"github.com/eugener/shadowfax/internal/logging"
	"github.com/eugener/shadowfax/internal/pricing"
	"github.com/eugener/shadowfax/internal/provider"
	"github.com/eugener/shadowfax/internal/proxy"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/server"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
	"github.com/eugener/shadowfax/internal/strategy"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/token"
	"github.com/eugener/shadowfax/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Metrics registry before anything that counts
	var metrics *telemetry.Metrics
	var promHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Event bus and logging; the bus mirrors log records to SSE subscribers
	bus := events.NewBus(metrics)
	logs := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, bus)

	slog.Info("starting shadowfax", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()
	shutdowns := lifecycle.New()
	shutdowns.Register("event bus", func(context.Context) error { return bus.Close() })

	if cfg.Telemetry.Tracing.Enabled {
		stopTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		shutdowns.Register("tracing", stopTracing)
	}

	// Open database
	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return err
	}
	store, err := sqlite.New(dbPath, sqlite.Options{
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		Fast:          cfg.Database.Fast,
		OnRetry: func() {
			if metrics != nil {
				metrics.StoreRetries.Inc()
			}
		},
	})
	if err != nil {
		return err
	}
	shutdowns.RegisterCloser("store", store)
	slog.Info("database ready", "path", dbPath)

	// Bootstrap from config
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		shutdowns.Close(ctx)
		return err
	}

	// Shared upstream HTTP client with cached DNS
	resolver := &dnscache.Resolver{}
	client := provider.NewClient(resolver)

	// Wire services
	tokens := token.NewManager(store, token.Options{
		ClientID:   cfg.OAuth.ClientID,
		HTTPClient: client,
		Metrics:    metrics,
	})
	tracker := ratelimit.NewTracker(store, metrics)
	strategies := strategy.NewRegistry(store, strategy.Options{SessionWindow: cfg.Proxy.SessionDuration})
	models, err := proxy.NewModelResolver(store)
	if err != nil {
		shutdowns.Close(ctx)
		return err
	}

	catalog := pricing.New(pricing.Options{
		RefreshHours: cfg.Pricing.RefreshHours,
		Offline:      cfg.Pricing.Offline,
		HTTPClient:   client,
	})
	catalog.Load(ctx)
	if !cfg.Pricing.Offline {
		refreshNanoGPTPricing(ctx, catalog, store)
	}

	dispatcher := proxy.New(proxy.Deps{
		Repo:       store,
		Strategies: strategies,
		Models:     models,
		Tokens:     tokens,
		Adapters:   provider.DefaultRegistry(),
		Tracker:    tracker,
		Pricing:    catalog,
		Bus:        bus,
		Client:     client,
		Metrics:    metrics,
	}, proxy.Options{
		Strategy:        cfg.Proxy.Strategy,
		CapturePayloads: cfg.Proxy.CapturePayloads,
		AttemptTimeout:  cfg.Proxy.AttemptTimeout,
		TotalTimeout:    cfg.Proxy.TotalTimeout,
		DebugModel:      cfg.Logging.DebugModel,
	})

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		shutdowns.Close(ctx)
		return err
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Store:      store,
		Auth:       apiKeyAuth,
		Proxy:      http.HandlerFunc(dispatcher.Dispatch),
		Tokens:     tokens,
		Strategies: strategies,
		Bus:        bus,
		Logs:       logs,
		Metrics:    metrics,
		Prom:       promHandler,
		Retention: server.RetentionDefaults{
			PayloadDays: cfg.Retention.PayloadDays,
			RequestDays: cfg.Retention.RequestDays,
		},
		DefaultStrategy: cfg.Proxy.Strategy,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout, // zero keeps SSE streams open
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers := []worker.Worker{
		worker.NewSweepWorker(tracker, store),
		worker.NewRetentionWorker(store, cfg.Retention.PayloadDays, cfg.Retention.RequestDays),
	}
	if !cfg.Pricing.Offline {
		workers = append(workers, worker.NewPricingWorker(catalog, store, time.Duration(cfg.Pricing.RefreshHours)*time.Hour))
	}
	runner := worker.NewRunner(workers...)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()
	go refreshDNS(workerCtx, resolver)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("shadowfax ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		runErr = err
	case err := <-workersDone:
		runErr = err
		slog.Error("background worker failed", "error", err)
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	stopWorkers()
	if err := shutdowns.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("shadowfax stopped")
	return nil
}

// refreshNanoGPTPricing pulls the NanoGPT model feed once at startup when any
// account can use it; the pricing worker repeats the pull on its interval.
func refreshNanoGPTPricing(ctx context.Context, catalog *pricing.Catalog, store *sqlite.Store) {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		slog.Warn("account scan for pricing skipped", "error", err)
		return
	}
	for _, a := range accounts {
		if a.Provider == relay.ProviderNanoGPT {
			if err := catalog.RefreshNanoGPT(ctx); err != nil {
				slog.Warn("nanogpt pricing refresh failed", "error", err)
			}
			return
		}
	}
}

// refreshDNS re-resolves cached entries so long-lived upstream connections
// pick up DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
