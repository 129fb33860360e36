package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// Scan workflow.
	ScanCron        string `env:"SCAN_CRON" envDefault:"0 2 * * *" validate:"required"`
	ScanExchange    string `env:"SCAN_EXCHANGE" envDefault:"US" validate:"required"`
	ScanMaxSymbols  int    `env:"SCAN_MAX_SYMBOLS" envDefault:"500" validate:"min=1"`
	ScanConcurrency int    `env:"SCAN_CONCURRENCY" envDefault:"8" validate:"min=1,max=64"`

	// Job runner.
	StuckThresholdHours int `env:"STUCK_THRESHOLD_HOURS" envDefault:"2" validate:"min=1,max=24"`
	JobTimeoutHours     int `env:"JOB_TIMEOUT_HOURS" envDefault:"6" validate:"min=1,max=48"`
	MaxLogsPerRecord    int `env:"MAX_LOGS_PER_RECORD" envDefault:"1000" validate:"min=10"`

	// Vendor HTTP client.
	APIBaseURL         string `env:"API_BASE_URL,required" validate:"required,url"`
	APIToken           string `env:"API_TOKEN"`
	HTTPTimeoutMs      int    `env:"HTTP_TIMEOUT_MS" envDefault:"30000" validate:"min=1000"`
	HTTPMaxConcurrency int    `env:"HTTP_MAX_CONCURRENCY" envDefault:"6" validate:"min=1,max=64"`
	HTTPMaxRetries     int    `env:"HTTP_MAX_RETRIES" envDefault:"3" validate:"min=0,max=10"`
	HTTPRetryBaseMs    int    `env:"HTTP_RETRY_BASE_MS" envDefault:"1000" validate:"min=100"`
	MemoryCacheTTLMs   int    `env:"MEMORY_CACHE_TTL_MS" envDefault:"300000" validate:"min=1000"`
	PersistentTTLMs    int    `env:"PERSISTENT_CACHE_TTL_MS" envDefault:"3600000" validate:"min=1000"`
	EnableDedup        bool   `env:"HTTP_ENABLE_DEDUP" envDefault:"true"`
	EnableRetry        bool   `env:"HTTP_ENABLE_RETRY" envDefault:"true"`

	// Maintenance.
	MaxTotalJobs           int `env:"MAX_TOTAL_JOBS" envDefault:"10000" validate:"min=100"`
	CompletedRetentionDays int `env:"COMPLETED_RETENTION_DAYS" envDefault:"30" validate:"min=1"`
	FailedRetentionDays    int `env:"FAILED_RETENTION_DAYS" envDefault:"90" validate:"min=1"`
	MinJobsToKeepPerType   int `env:"MIN_JOBS_TO_KEEP_PER_TYPE" envDefault:"10" validate:"min=1"`
	CacheMaxSizeMB         int `env:"CACHE_MAX_SIZE_MB" envDefault:"500" validate:"min=1"`
	CacheMaxDocuments      int `env:"CACHE_MAX_DOCUMENTS" envDefault:"100000" validate:"min=100"`

	// Failure alerts.
	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`
	AlertTo      string `env:"ALERT_TO"       validate:"omitempty,email"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel maps LogLevel onto the slog scale, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
