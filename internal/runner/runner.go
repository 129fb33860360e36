// Package runner schedules named jobs on cron expressions and owns their
// crash-safe lifecycle records. At most one record per job name is ever
// running; stuck records are rescued on the next tick of the same name.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	applog "github.com/ErlanBelekov/market-scanner/internal/log"
	"github.com/ErlanBelekov/market-scanner/internal/metrics"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/robfig/cron/v3"
)

// JobFunc is a user callback. The returned map becomes the record's result.
type JobFunc func(ctx context.Context, job *JobContext) (map[string]any, error)

// FailureNotifier is invoked after a record reaches failed. Implementations
// must not block; the runner calls it on the firing goroutine.
type FailureNotifier interface {
	JobFailed(ctx context.Context, record *domain.JobRecord)
}

// RegisterOptions bind a callback to a schedule.
type RegisterOptions struct {
	Cron     string // 5 or 6-field cron expression
	Name     string
	Timezone string // IANA name; process-local when empty
	RunNow   bool
}

type Options struct {
	StuckThreshold time.Duration // default 2h
	Timeout        time.Duration // default 6h
	MaxLogs        int           // default 1000
}

type registration struct {
	fn       JobFunc
	opts     RegisterOptions
	schedule cron.Schedule
	entryID  cron.EntryID
}

type Runner struct {
	repo        repository.JobRepository
	logger      *slog.Logger
	opts        Options
	cron        *cron.Cron
	notifier    FailureNotifier
	machineName string

	mu     sync.Mutex
	jobs   map[string]*registration
	active map[string]string // name -> running record ID
	wg     sync.WaitGroup

	baseCtx context.Context
}

func New(ctx context.Context, repo repository.JobRepository, notifier FailureNotifier, opts Options, logger *slog.Logger) *Runner {
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 2 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Hour
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 1000
	}
	hostname, _ := os.Hostname()
	return &Runner{
		repo:        repo,
		logger:      logger.With("component", "runner"),
		opts:        opts,
		cron:        cron.New(),
		notifier:    notifier,
		machineName: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		jobs:        make(map[string]*registration),
		active:      make(map[string]string),
		baseCtx:     ctx,
	}
}

// Register binds fn to a cron expression under a unique name. Invocations
// thereafter are driven by time; RunNow additionally fires once immediately.
func (r *Runner) Register(fn JobFunc, opts RegisterOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("register: job name is required")
	}

	expr := opts.Cron
	if opts.Timezone != "" {
		if _, err := time.LoadLocation(opts.Timezone); err != nil {
			return fmt.Errorf("register %s: invalid timezone %q: %w", opts.Name, opts.Timezone, err)
		}
		expr = "CRON_TZ=" + opts.Timezone + " " + expr
	}

	schedule, err := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	).Parse(expr)
	if err != nil {
		return fmt.Errorf("register %s: invalid cron %q: %w", opts.Name, opts.Cron, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[opts.Name]; exists {
		return fmt.Errorf("register: job %q already registered", opts.Name)
	}

	reg := &registration{fn: fn, opts: opts, schedule: schedule}
	reg.entryID = r.cron.Schedule(schedule, cron.FuncJob(func() { r.fire(opts.Name) }))
	r.jobs[opts.Name] = reg

	r.logger.Info("job registered", "job", opts.Name, "cron", opts.Cron, "timezone", opts.Timezone)

	if opts.RunNow {
		go r.fire(opts.Name)
	}
	return nil
}

// Start begins cron dispatch. Stop with Stop.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("runner started", "jobs", len(r.jobs), "machine", r.machineName)
}

// Stop halts scheduling and waits for in-flight jobs to settle.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

// ActiveJobs snapshots the name -> record ID table of running jobs.
func (r *Runner) ActiveJobs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

// RescueAll is the emergency path: every running record becomes failed with
// an emergency marker. Blind bulk write so it succeeds even mid-crash.
func (r *Runner) RescueAll(ctx context.Context, marker string) (int, error) {
	n, err := r.repo.FailAllRunning(ctx, marker)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.active = make(map[string]string)
	r.mu.Unlock()
	if n > 0 {
		metrics.JobsRescuedTotal.Add(float64(n))
		r.logger.Warn("rescued running jobs", "count", n, "marker", marker)
	}
	return n, nil
}

// fire executes one cron tick for name. The name is claimed in the active
// table before the repository lookup so two overlapping ticks cannot both
// pass the running check and create their own records.
func (r *Runner) fire(name string) {
	const pendingClaim = "pending"

	r.mu.Lock()
	reg, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, busy := r.active[name]; busy {
		r.mu.Unlock()
		r.logger.Info("tick already in flight, skipping", "job", name)
		return
	}
	r.active[name] = pendingClaim
	r.mu.Unlock()

	claimID := pendingClaim
	defer func() { r.clearActive(name, claimID) }()

	ctx := r.baseCtx
	logger := r.logger.With("job", name)

	// A running record for this name either blocks the tick or, when past
	// the stuck threshold, is failed in place before we proceed.
	existing, err := r.repo.FindRunning(ctx, name)
	if err != nil {
		logger.Error("lookup running record", "error", err)
		return
	}
	if existing != nil {
		if !existing.Stuck(r.opts.StuckThreshold, time.Now()) {
			logger.Info("previous run still active, skipping tick", "record_id", existing.ID)
			return
		}
		msg := fmt.Sprintf("stuck: running since %s exceeded threshold %s",
			existing.StartedAt.Format(time.RFC3339), r.opts.StuckThreshold)
		if err := r.repo.MarkFailed(ctx, existing.ID, msg, &domain.ErrorDetails{
			Message:   msg,
			Code:      "STUCK_JOB",
			Timestamp: time.Now(),
		}); err != nil {
			logger.Error("fail stuck record", "record_id", existing.ID, "error", err)
			return
		}
		metrics.JobsRescuedTotal.Inc()
		logger.Warn("stuck record failed", "record_id", existing.ID)
	}

	now := time.Now()
	nextRun := reg.schedule.Next(now)
	record, err := r.repo.Create(ctx, &domain.JobRecord{
		Name:           name,
		Status:         domain.JobScheduled,
		MachineName:    r.machineName,
		ScheduledAt:    now,
		CronExpression: reg.opts.Cron,
		Timezone:       reg.opts.Timezone,
		NextRun:        &nextRun,
	})
	if err != nil {
		logger.Error("create job record", "error", err)
		return
	}

	if err := r.repo.MarkRunning(ctx, record.ID, now, r.machineName); err != nil {
		// Lost the CAS; another instance took this cycle.
		logger.Warn("could not transition to running, aborting tick", "record_id", record.ID, "error", err)
		return
	}

	r.mu.Lock()
	r.active[name] = record.ID
	r.mu.Unlock()
	claimID = record.ID

	r.wg.Add(1)
	metrics.JobsInFlight.Inc()
	defer func() {
		metrics.JobsInFlight.Dec()
		r.wg.Done()
	}()

	r.execute(ctx, reg, record, logger)
}

// execute races the callback against the hard timeout and settles the record.
func (r *Runner) execute(ctx context.Context, reg *registration, record *domain.JobRecord, logger *slog.Logger) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(applog.WithJobName(ctx, record.Name), r.opts.Timeout)
	defer cancel()

	jobCtx := &JobContext{
		recordID: record.ID,
		name:     record.Name,
		repo:     r.repo,
		logger:   logger,
		maxLogs:  r.opts.MaxLogs,
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v\n%s", rec, debug.Stack())}
			}
		}()
		result, err := reg.fn(runCtx, jobCtx)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		hours := int(r.opts.Timeout.Hours())
		out = outcome{err: fmt.Errorf("Job timeout after %d hours", hours)}
	}

	duration := time.Since(start)
	if out.err == nil {
		if err := r.repo.MarkCompleted(ctx, record.ID, out.result); err != nil {
			logger.Error("mark completed", "record_id", record.ID, "error", err)
			// Fallback: the record must never stay stuck in running.
			if ferr := r.repo.ForceStatus(ctx, record.ID, domain.JobCompleted, ""); ferr != nil {
				logger.Error("force completed", "record_id", record.ID, "error", ferr)
			}
		}
		metrics.JobsCompletedTotal.WithLabelValues("success").Inc()
		metrics.JobExecutionDuration.WithLabelValues("success").Observe(duration.Seconds())
		logger.Info("job completed", "record_id", record.ID, "duration", duration)
		return
	}

	details := &domain.ErrorDetails{
		Message:   out.err.Error(),
		Code:      classify(out.err),
		Timestamp: time.Now(),
	}
	if err := r.repo.MarkFailed(ctx, record.ID, out.err.Error(), details); err != nil {
		logger.Error("mark failed", "record_id", record.ID, "error", err)
		if ferr := r.repo.ForceStatus(ctx, record.ID, domain.JobFailed, out.err.Error()); ferr != nil {
			logger.Error("force failed", "record_id", record.ID, "error", ferr)
		}
	}
	metrics.JobsCompletedTotal.WithLabelValues("failure").Inc()
	metrics.JobExecutionDuration.WithLabelValues("failure").Observe(duration.Seconds())
	logger.Error("job failed", "record_id", record.ID, "duration", duration, "error", out.err)

	if r.notifier != nil {
		record.Status = domain.JobFailed
		msg := out.err.Error()
		record.Error = &msg
		record.ErrorDetails = details
		r.notifier.JobFailed(ctx, record)
	}
}

func (r *Runner) clearActive(name, recordID string) {
	r.mu.Lock()
	if r.active[name] == recordID {
		delete(r.active, name)
	}
	r.mu.Unlock()
}

func classify(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "TIMEOUT"
	case strings.Contains(msg, "panic"):
		return "PANIC"
	default:
		return "ERROR"
	}
}
