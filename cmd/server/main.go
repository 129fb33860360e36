package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ErlanBelekov/market-scanner/config"
	"github.com/ErlanBelekov/market-scanner/internal/alert"
	"github.com/ErlanBelekov/market-scanner/internal/cycled"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
	"github.com/ErlanBelekov/market-scanner/internal/health"
	"github.com/ErlanBelekov/market-scanner/internal/indexer"
	"github.com/ErlanBelekov/market-scanner/internal/infrastructure/postgres"
	ctxlog "github.com/ErlanBelekov/market-scanner/internal/log"
	"github.com/ErlanBelekov/market-scanner/internal/maintenance"
	"github.com/ErlanBelekov/market-scanner/internal/metrics"
	"github.com/ErlanBelekov/market-scanner/internal/runner"
	"github.com/ErlanBelekov/market-scanner/internal/scan"
	"github.com/ErlanBelekov/market-scanner/internal/supervisor"
	httptransport "github.com/ErlanBelekov/market-scanner/internal/transport/http"
	"github.com/ErlanBelekov/market-scanner/internal/transport/http/handler"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(supervisor.ExitConfig)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	sup := supervisor.New(logger)
	os.Exit(sup.Run(context.Background(), func(ctx context.Context) error {
		return run(ctx, cfg, logger, sup)
	}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, sup *supervisor.Supervisor) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	sup.OnShutdown("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	logger.Info("db connected")

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	jobRepo := postgres.NewJobRepository(pool)
	cacheRepo := postgres.NewCacheRepository(pool)
	valuationRepo := postgres.NewValuationRepository(pool)

	// Missing indexes degrade queries, they don't block startup.
	idx := indexer.New(postgres.NewIndexStore(pool), indexer.DefaultRules(), indexer.Options{}, logger)
	report := idx.Ensure(ctx)
	if len(report.Failures) > 0 {
		logger.Warn("index ensure finished with failures", "failed", len(report.Failures))
	}

	client := fetch.New(ctx, fetch.Config{
		BaseURL:             cfg.APIBaseURL,
		AuthToken:           cfg.APIToken,
		Timeout:             time.Duration(cfg.HTTPTimeoutMs) * time.Millisecond,
		MaxConcurrency:      cfg.HTTPMaxConcurrency,
		MemoryTTL:           time.Duration(cfg.MemoryCacheTTLMs) * time.Millisecond,
		PersistentTTL:       time.Duration(cfg.PersistentTTLMs) * time.Millisecond,
		EnableDeduplication: cfg.EnableDedup,
		EnableRetry:         cfg.EnableRetry,
		MaxRetries:          cfg.HTTPMaxRetries,
		RetryBase:           time.Duration(cfg.HTTPRetryBaseMs) * time.Millisecond,
	}, cacheRepo, logger)
	sup.OnShutdown("fetch client", func(context.Context) error {
		client.Close()
		return nil
	})

	registry := cycled.NewRegistry()
	pipeline := scan.New(client, valuationRepo, logger, scan.Options{
		Exchange:    cfg.ScanExchange,
		MaxSymbols:  cfg.ScanMaxSymbols,
		Concurrency: cfg.ScanConcurrency,
	})
	if err := pipeline.RegisterSteps(registry); err != nil {
		return err
	}
	orc := cycled.New(registry, logger)
	scan.InstallPredicates(orc, scan.RateLimitCooldown)

	sender := alert.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	notifier := alert.NewNotifier(sender, cfg.AlertTo, logger)

	jobs := runner.New(ctx, jobRepo, notifier, runner.Options{
		StuckThreshold: time.Duration(cfg.StuckThresholdHours) * time.Hour,
		Timeout:        time.Duration(cfg.JobTimeoutHours) * time.Hour,
		MaxLogs:        cfg.MaxLogsPerRecord,
	}, logger)
	err = jobs.Register(func(ctx context.Context, _ *runner.JobContext) (map[string]any, error) {
		return scan.RunOnce(ctx, orc, pipeline)
	}, runner.RegisterOptions{Cron: cfg.ScanCron, Name: scan.WorkflowName})
	if err != nil {
		return err
	}
	jobs.Start()
	sup.OnRescue(func(ctx context.Context) (int, error) {
		return jobs.RescueAll(ctx, "process shutdown")
	})
	sup.OnShutdown("runner", func(context.Context) error {
		jobs.Stop()
		return nil
	})

	maint := maintenance.New(jobRepo, cacheRepo, logger, maintenance.Options{
		MaxTotalJobs:           cfg.MaxTotalJobs,
		CompletedRetentionDays: cfg.CompletedRetentionDays,
		FailedRetentionDays:    cfg.FailedRetentionDays,
		MinKeepPerName:         cfg.MinJobsToKeepPerType,
		CacheMaxDocuments:      cfg.CacheMaxDocuments,
		CacheMaxSizeBytes:      int64(cfg.CacheMaxSizeMB) << 20,
	})
	maint.OnJobSweep(func(ctx context.Context) { idx.Ensure(ctx) })
	maint.Start(ctx)
	sup.OnShutdown("maintenance", func(context.Context) error {
		maint.Stop()
		return nil
	})

	router := httptransport.NewRouter(logger,
		handler.NewJobHandler(jobRepo, logger),
		handler.NewScannerHandler(ctx, orc, logger),
		handler.NewOpsHandler(maint, client, cacheRepo, valuationRepo, checker, logger),
	)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
	sup.OnShutdown("http server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	sup.OnShutdown("metrics server", func(ctx context.Context) error {
		return metricsSrv.Shutdown(ctx)
	})

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	// A listen failure kills the process; the supervisor drains the rest.
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
