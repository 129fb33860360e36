// Package maintenance retires aged cache entries and job history on periodic
// sweeps and produces the on-demand health report. Sweeps are idempotent: a
// second pass over a steady state deletes nothing.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/metrics"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
)

type Options struct {
	CacheInterval time.Duration // default 1h
	JobInterval   time.Duration // default 6h

	MaxTotalJobs           int // default 10000
	CompletedRetentionDays int // default 30
	FailedRetentionDays    int // default 90
	MinKeepPerName         int // default 10
	MaxLogsPerJob          int // default 1000

	CacheMaxDocuments int   // default 100000
	CacheMaxSizeBytes int64 // default 500 MiB
}

func (o *Options) withDefaults() {
	if o.CacheInterval <= 0 {
		o.CacheInterval = time.Hour
	}
	if o.JobInterval <= 0 {
		o.JobInterval = 6 * time.Hour
	}
	if o.MaxTotalJobs <= 0 {
		o.MaxTotalJobs = 10000
	}
	if o.CompletedRetentionDays <= 0 {
		o.CompletedRetentionDays = 30
	}
	if o.FailedRetentionDays <= 0 {
		o.FailedRetentionDays = 90
	}
	if o.MinKeepPerName <= 0 {
		o.MinKeepPerName = 10
	}
	if o.MaxLogsPerJob <= 0 {
		o.MaxLogsPerJob = 1000
	}
	if o.CacheMaxDocuments <= 0 {
		o.CacheMaxDocuments = 100000
	}
	if o.CacheMaxSizeBytes <= 0 {
		o.CacheMaxSizeBytes = 500 << 20
	}
}

// CacheSweepReport counts deletions per cause in one cache sweep.
type CacheSweepReport struct {
	Expired   int `json:"expired"`
	OverCount int `json:"overCount"`
	OverSize  int `json:"overSize"`
	Orphans   int `json:"orphans"`
}

// JobSweepReport counts retirements in one job-history sweep.
type JobSweepReport struct {
	CompletedAged int `json:"completedAged"`
	FailedAged    int `json:"failedAged"`
	LogsTrimmed   int `json:"logsTrimmed"`
	OverCeiling   int `json:"overCeiling"`
}

// HealthReport is the on-demand degraded-conditions summary.
type HealthReport struct {
	Status       string                   `json:"status"` // "ok" | "warning"
	TotalJobs    int                      `json:"totalJobs"`
	JobsByStatus map[domain.JobStatus]int `json:"jobsByStatus"`
	AvgLogs      float64                  `json:"avgLogsPerJob"`
	MaxLogs      int                      `json:"maxLogsPerJob"`
	OldestJobAge time.Duration            `json:"oldestJobAge"`
	CacheEntries int                      `json:"cacheEntries"`
	CacheBytes   int64                    `json:"cacheBytes"`
	Warnings     []string                 `json:"warnings,omitempty"`
	GeneratedAt  time.Time                `json:"generatedAt"`
}

// Supervisor owns the periodic sweeps. Construct with New, then Start.
type Supervisor struct {
	jobs   repository.JobRepository
	cache  repository.CacheRepository
	logger *slog.Logger
	opts   Options

	ensureIndexes func(context.Context)

	cancel context.CancelFunc
	done   chan struct{}
}

// OnJobSweep registers a hook that runs after every job sweep. The index
// manager hangs its periodic re-ensure here.
func (s *Supervisor) OnJobSweep(fn func(context.Context)) {
	s.ensureIndexes = fn
}

func New(jobs repository.JobRepository, cache repository.CacheRepository, logger *slog.Logger, opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		jobs:   jobs,
		cache:  cache,
		logger: logger.With("component", "maintenance"),
		opts:   opts,
	}
}

// Start launches the two sweep loops. Each runs once immediately, then on
// its interval until ctx is done or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{}, 2)

	go s.loop(ctx, "cache", s.opts.CacheInterval, func(ctx context.Context) error {
		_, err := s.SweepCache(ctx)
		return err
	})
	go s.loop(ctx, "jobs", s.opts.JobInterval, func(ctx context.Context) error {
		_, err := s.SweepJobs(ctx)
		if s.ensureIndexes != nil && ctx.Err() == nil {
			s.ensureIndexes(ctx)
		}
		return err
	})
}

func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
		<-s.done
	}
}

func (s *Supervisor) loop(ctx context.Context, kind string, interval time.Duration, sweep func(context.Context) error) {
	defer func() { s.done <- struct{}{} }()

	run := func() {
		start := time.Now()
		if err := sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("maintenance sweep failed", "kind", kind, "error", err)
		}
		metrics.MaintenanceCycleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// SweepCache retires cache entries in four passes: expired, count ceiling,
// size ceiling (oldest 10%), orphans.
func (s *Supervisor) SweepCache(ctx context.Context) (*CacheSweepReport, error) {
	report := &CacheSweepReport{}

	n, err := s.cache.DeleteExpired(ctx, time.Now())
	if err != nil {
		return report, fmt.Errorf("delete expired: %w", err)
	}
	report.Expired = n

	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("cache stats: %w", err)
	}
	if stats.Entries > s.opts.CacheMaxDocuments {
		n, err = s.cache.DeleteOldest(ctx, stats.Entries-s.opts.CacheMaxDocuments)
		if err != nil {
			return report, fmt.Errorf("count ceiling: %w", err)
		}
		report.OverCount = n
	}

	stats, err = s.cache.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("cache stats: %w", err)
	}
	if stats.TotalBytes > s.opts.CacheMaxSizeBytes && stats.Entries > 0 {
		tenth := stats.Entries / 10
		if tenth < 1 {
			tenth = 1
		}
		n, err = s.cache.DeleteOldest(ctx, tenth)
		if err != nil {
			return report, fmt.Errorf("size ceiling: %w", err)
		}
		report.OverSize = n
	}

	n, err = s.cache.DeleteOrphans(ctx)
	if err != nil {
		return report, fmt.Errorf("delete orphans: %w", err)
	}
	report.Orphans = n

	total := report.Expired + report.OverCount + report.OverSize + report.Orphans
	metrics.MaintenanceDeletionsTotal.WithLabelValues("cache").Add(float64(total))
	if total > 0 {
		s.logger.Info("cache sweep", "expired", report.Expired, "overCount", report.OverCount,
			"overSize", report.OverSize, "orphans", report.Orphans)
	}
	return report, nil
}

// SweepJobs retires job history: age-based retention per status (always
// keeping the N most recent records per job name), log trimming, and the
// global record ceiling.
func (s *Supervisor) SweepJobs(ctx context.Context) (*JobSweepReport, error) {
	report := &JobSweepReport{}
	now := time.Now()

	n, err := s.jobs.DeleteTerminalOlderThan(ctx, domain.JobCompleted,
		now.AddDate(0, 0, -s.opts.CompletedRetentionDays), s.opts.MinKeepPerName)
	if err != nil {
		return report, fmt.Errorf("retire completed: %w", err)
	}
	report.CompletedAged = n

	n, err = s.jobs.DeleteTerminalOlderThan(ctx, domain.JobFailed,
		now.AddDate(0, 0, -s.opts.FailedRetentionDays), s.opts.MinKeepPerName)
	if err != nil {
		return report, fmt.Errorf("retire failed: %w", err)
	}
	report.FailedAged = n

	n, err = s.jobs.TrimLogs(ctx, s.opts.MaxLogsPerJob)
	if err != nil {
		return report, fmt.Errorf("trim logs: %w", err)
	}
	report.LogsTrimmed = n

	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("job stats: %w", err)
	}
	if stats.Total > s.opts.MaxTotalJobs {
		n, err = s.jobs.DeleteOldestTerminal(ctx, s.opts.MaxTotalJobs)
		if err != nil {
			return report, fmt.Errorf("record ceiling: %w", err)
		}
		report.OverCeiling = n
	}

	total := report.CompletedAged + report.FailedAged + report.OverCeiling
	metrics.MaintenanceDeletionsTotal.WithLabelValues("jobs").Add(float64(total))
	if total > 0 || report.LogsTrimmed > 0 {
		s.logger.Info("job history sweep", "completedAged", report.CompletedAged,
			"failedAged", report.FailedAged, "logsTrimmed", report.LogsTrimmed,
			"overCeiling", report.OverCeiling)
	}
	return report, nil
}

// Health builds the degraded-conditions report. Status drops to "warning"
// at 90% of any ceiling or when the terminal failure rate exceeds 30%.
func (s *Supervisor) Health(ctx context.Context) (*HealthReport, error) {
	jobStats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	cacheStats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}

	var warnings []string
	if jobStats.Total >= s.opts.MaxTotalJobs*9/10 {
		warnings = append(warnings, fmt.Sprintf("job records at %d of %d ceiling", jobStats.Total, s.opts.MaxTotalJobs))
	}
	if cacheStats.Entries >= s.opts.CacheMaxDocuments*9/10 {
		warnings = append(warnings, fmt.Sprintf("cache entries at %d of %d ceiling", cacheStats.Entries, s.opts.CacheMaxDocuments))
	}
	if cacheStats.TotalBytes >= s.opts.CacheMaxSizeBytes*9/10 {
		warnings = append(warnings, fmt.Sprintf("cache size at %d of %d bytes", cacheStats.TotalBytes, s.opts.CacheMaxSizeBytes))
	}
	completed := jobStats.ByStatus[domain.JobCompleted]
	failed := jobStats.ByStatus[domain.JobFailed]
	if terminal := completed + failed; terminal > 0 {
		if rate := float64(failed) / float64(terminal); rate > 0.30 {
			warnings = append(warnings, fmt.Sprintf("job failure rate %.0f%%", rate*100))
		}
	}

	return &HealthReport{
		Status:       lo.Ternary(len(warnings) > 0, "warning", "ok"),
		TotalJobs:    jobStats.Total,
		JobsByStatus: jobStats.ByStatus,
		AvgLogs:      jobStats.AvgLogs,
		MaxLogs:      jobStats.MaxLogs,
		OldestJobAge: jobStats.OldestAge,
		CacheEntries: cacheStats.Entries,
		CacheBytes:   cacheStats.TotalBytes,
		Warnings:     warnings,
		GeneratedAt:  time.Now(),
	}, nil
}
