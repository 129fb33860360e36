// Command scanner runs one full scan cycle and exits. It is the manual
// counterpart of the cron-scheduled scan inside the server process.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ErlanBelekov/market-scanner/config"
	"github.com/ErlanBelekov/market-scanner/internal/cycled"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
	"github.com/ErlanBelekov/market-scanner/internal/infrastructure/postgres"
	ctxlog "github.com/ErlanBelekov/market-scanner/internal/log"
	"github.com/ErlanBelekov/market-scanner/internal/scan"
	"github.com/ErlanBelekov/market-scanner/internal/supervisor"
	"github.com/lmittmann/tint"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(supervisor.ExitConfig)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

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
	}, postgres.NewCacheRepository(pool), logger)
	sup.OnShutdown("fetch client", func(context.Context) error {
		client.Close()
		return nil
	})

	registry := cycled.NewRegistry()
	pipeline := scan.New(client, postgres.NewValuationRepository(pool), logger, scan.Options{
		Exchange:    cfg.ScanExchange,
		MaxSymbols:  cfg.ScanMaxSymbols,
		Concurrency: cfg.ScanConcurrency,
	})
	if err := pipeline.RegisterSteps(registry); err != nil {
		return err
	}
	orc := cycled.New(registry, logger)
	scan.InstallPredicates(orc, scan.RateLimitCooldown)

	result, err := scan.RunOnce(ctx, orc, pipeline)
	if err != nil {
		return err
	}
	logger.Info("scan finished", "result", result)
	return nil
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
