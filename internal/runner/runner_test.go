package runner_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/ErlanBelekov/market-scanner/internal/runner"
)

// fakeJobRepo is an in-memory JobRepository.
type fakeJobRepo struct {
	mu      sync.Mutex
	seq     int
	records map[string]*domain.JobRecord

	failMarkCompleted bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{records: make(map[string]*domain.JobRecord)}
}

func (r *fakeJobRepo) Create(_ context.Context, record *domain.JobRecord) (*domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *record
	cp.ID = fmt.Sprintf("rec-%d", r.seq)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id string) (*domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeJobRepo) ListJobs(_ context.Context, input repository.ListJobsInput) ([]*domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobRecord
	for _, rec := range r.records {
		if input.Name != "" && rec.Name != input.Name {
			continue
		}
		if input.Status != "" && rec.Status != input.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (r *fakeJobRepo) FindRunning(_ context.Context, name string) (*domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Name == name && rec.Status == domain.JobRunning {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) MarkRunning(_ context.Context, id string, startedAt time.Time, machineName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != domain.JobScheduled {
		return domain.ErrInvalidTransition
	}
	rec.Status = domain.JobRunning
	rec.StartedAt = &startedAt
	rec.MachineName = machineName
	return nil
}

func (r *fakeJobRepo) MarkCompleted(_ context.Context, id string, result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMarkCompleted {
		return errors.New("write refused")
	}
	rec, ok := r.records[id]
	if !ok || rec.Status != domain.JobRunning {
		return domain.ErrInvalidTransition
	}
	now := time.Now()
	rec.Status = domain.JobCompleted
	rec.Result = result
	rec.Progress = 1
	rec.EndedAt = &now
	return nil
}

func (r *fakeJobRepo) MarkFailed(_ context.Context, id string, errMsg string, details *domain.ErrorDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || (rec.Status != domain.JobRunning && rec.Status != domain.JobScheduled) {
		return domain.ErrInvalidTransition
	}
	now := time.Now()
	rec.Status = domain.JobFailed
	rec.Error = &errMsg
	rec.ErrorDetails = details
	rec.EndedAt = &now
	return nil
}

func (r *fakeJobRepo) ForceStatus(_ context.Context, id string, status domain.JobStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := time.Now()
	rec.Status = status
	rec.EndedAt = &now
	if errMsg != "" {
		rec.Error = &errMsg
	}
	return nil
}

func (r *fakeJobRepo) UpdateProgress(_ context.Context, id string, progress float64) error {
	if progress < 0 || progress > 1 {
		return domain.ErrInvalidProgress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.Status == domain.JobRunning {
		rec.Progress = progress
	}
	return nil
}

func (r *fakeJobRepo) AppendLogs(_ context.Context, id string, logs []domain.JobLog, maxLogs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	for _, l := range logs {
		rec.AppendLog(l, maxLogs)
	}
	return nil
}

func (r *fakeJobRepo) FailAllRunning(_ context.Context, marker string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	now := time.Now()
	for _, rec := range r.records {
		if rec.Status == domain.JobRunning {
			rec.Status = domain.JobFailed
			msg := marker
			rec.Error = &msg
			rec.EndedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) DeleteTerminalOlderThan(context.Context, domain.JobStatus, time.Time, int) (int, error) {
	return 0, nil
}
func (r *fakeJobRepo) TrimLogs(context.Context, int) (int, error)          { return 0, nil }
func (r *fakeJobRepo) DeleteOldestTerminal(context.Context, int) (int, error) { return 0, nil }
func (r *fakeJobRepo) Stats(context.Context) (*repository.JobStats, error) {
	return &repository.JobStats{ByStatus: map[domain.JobStatus]int{}}, nil
}

var _ repository.JobRepository = (*fakeJobRepo)(nil)

func newRunner(repo repository.JobRepository, opts runner.Options) *runner.Runner {
	return runner.New(context.Background(), repo, nil, opts, slog.Default())
}

// fire one named job synchronously by registering with RunNow and waiting
// for the record to settle.
func waitForTerminal(t *testing.T, repo *fakeJobRepo, name string, timeout time.Duration) *domain.JobRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		records, _ := repo.ListJobs(context.Background(), repository.ListJobsInput{Name: name})
		for _, rec := range records {
			if rec.Terminal() {
				return rec
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no terminal record for %s within %s", name, timeout)
	return nil
}

func TestFire_SuccessfulRun(t *testing.T) {
	repo := newFakeJobRepo()
	r := newRunner(repo, runner.Options{})

	err := r.Register(func(ctx context.Context, job *runner.JobContext) (map[string]any, error) {
		if err := job.Progress(ctx, 0.5); err != nil {
			return nil, err
		}
		job.AppendLog("scan started", domain.LogInfo)
		return map[string]any{"symbols": 42}, nil
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "scan", RunNow: true})
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForTerminal(t, repo, "scan", 2*time.Second)
	if rec.Status != domain.JobCompleted {
		t.Fatalf("expected completed, got %s (%v)", rec.Status, rec.Error)
	}
	if rec.Progress != 1 {
		t.Fatalf("completed record must carry progress 1, got %v", rec.Progress)
	}
	if rec.Result["symbols"] != 42 {
		t.Fatalf("result not persisted: %v", rec.Result)
	}
	if rec.EndedAt == nil {
		t.Fatal("endedAt must be set on a terminal record")
	}
	if len(r.ActiveJobs()) != 0 {
		t.Fatalf("active table must drain, got %v", r.ActiveJobs())
	}
}

func TestFire_CallbackError(t *testing.T) {
	repo := newFakeJobRepo()
	r := newRunner(repo, runner.Options{})

	_ = r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		return nil, errors.New("vendor unreachable")
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "broken", RunNow: true})

	rec := waitForTerminal(t, repo, "broken", 2*time.Second)
	if rec.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || *rec.Error != "vendor unreachable" {
		t.Fatalf("error not captured: %v", rec.Error)
	}
	if rec.ErrorDetails == nil || rec.ErrorDetails.Message == "" {
		t.Fatal("structured error details missing")
	}
}

func TestFire_PanicIsCaptured(t *testing.T) {
	repo := newFakeJobRepo()
	r := newRunner(repo, runner.Options{})

	_ = r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		panic("boom")
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "panicky", RunNow: true})

	rec := waitForTerminal(t, repo, "panicky", 2*time.Second)
	if rec.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(*rec.Error, "boom") {
		t.Fatalf("panic message not captured: %v", rec.Error)
	}
}

func TestFire_Timeout(t *testing.T) {
	repo := newFakeJobRepo()
	r := newRunner(repo, runner.Options{Timeout: 50 * time.Millisecond})

	_ = r.Register(func(ctx context.Context, _ *runner.JobContext) (map[string]any, error) {
		<-ctx.Done()
		time.Sleep(time.Hour) // never returns in time; the race must win
		return nil, ctx.Err()
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "hang", RunNow: true})

	rec := waitForTerminal(t, repo, "hang", 2*time.Second)
	if rec.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(*rec.Error, "timeout") {
		t.Fatalf("expected a timeout error, got %v", rec.Error)
	}
	if rec.EndedAt == nil {
		t.Fatal("endedAt must be set after a timeout")
	}
}

func TestFire_SkipsWhenAlreadyRunning(t *testing.T) {
	repo := newFakeJobRepo()
	started := time.Now().Add(-time.Minute)
	rec, _ := repo.Create(context.Background(), &domain.JobRecord{
		Name: "busy", Status: domain.JobScheduled, ScheduledAt: started,
	})
	_ = repo.MarkRunning(context.Background(), rec.ID, started, "m1")

	r := newRunner(repo, runner.Options{StuckThreshold: 2 * time.Hour})
	_ = r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		return nil, nil
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "busy", RunNow: true})

	// Give the tick a moment; no new record may appear.
	time.Sleep(200 * time.Millisecond)
	records, _ := repo.ListJobs(context.Background(), repository.ListJobsInput{Name: "busy"})
	if len(records) != 1 {
		t.Fatalf("tick must be skipped while a fresh record runs, got %d records", len(records))
	}
	if records[0].Status != domain.JobRunning {
		t.Fatalf("existing record must stay running, got %s", records[0].Status)
	}
}

func TestFire_RescuesStuckRecordThenRuns(t *testing.T) {
	repo := newFakeJobRepo()
	started := time.Now().Add(-3 * time.Hour)
	stale, _ := repo.Create(context.Background(), &domain.JobRecord{
		Name: "scan", Status: domain.JobScheduled, ScheduledAt: started,
	})
	_ = repo.MarkRunning(context.Background(), stale.ID, started, "m1")

	r := newRunner(repo, runner.Options{StuckThreshold: 2 * time.Hour})
	_ = r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "scan", RunNow: true})

	// The stale record must be failed with a stuck marker and a fresh
	// record must run to completion.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, _ := repo.ListJobs(context.Background(), repository.ListJobsInput{Name: "scan"})
		var failedStuck, completed bool
		for _, rec := range records {
			if rec.Status == domain.JobFailed && rec.Error != nil && strings.Contains(*rec.Error, "stuck") {
				failedStuck = true
			}
			if rec.Status == domain.JobCompleted {
				completed = true
			}
		}
		if failedStuck && completed {
			if len(r.ActiveJobs()) != 0 {
				t.Fatalf("active table must be empty, got %v", r.ActiveJobs())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stuck rescue plus fresh completion did not happen in time")
}

func TestFire_CompletedWriteErrorFallsBackToForce(t *testing.T) {
	repo := newFakeJobRepo()
	repo.failMarkCompleted = true
	r := newRunner(repo, runner.Options{})

	_ = r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		return nil, nil
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "fallback", RunNow: true})

	rec := waitForTerminal(t, repo, "fallback", 2*time.Second)
	// The conditional write failed, so the unconditional overwrite must
	// have landed; the record cannot remain stuck in running.
	if rec.Status != domain.JobCompleted {
		t.Fatalf("expected completed via force path, got %s", rec.Status)
	}
}

func TestRescueAll(t *testing.T) {
	repo := newFakeJobRepo()
	for _, name := range []string{"a", "b"} {
		rec, _ := repo.Create(context.Background(), &domain.JobRecord{
			Name: name, Status: domain.JobScheduled, ScheduledAt: time.Now(),
		})
		_ = repo.MarkRunning(context.Background(), rec.ID, time.Now(), "m1")
	}

	r := newRunner(repo, runner.Options{})
	n, err := r.RescueAll(context.Background(), "emergency shutdown")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rescued, got %d", n)
	}
	records, _ := repo.ListJobs(context.Background(), repository.ListJobsInput{Status: domain.JobRunning})
	if len(records) != 0 {
		t.Fatalf("running records remain after rescue: %d", len(records))
	}
}

func TestRegister_InvalidCron(t *testing.T) {
	r := newRunner(newFakeJobRepo(), runner.Options{})
	err := r.Register(func(context.Context, *runner.JobContext) (map[string]any, error) {
		return nil, nil
	}, runner.RegisterOptions{Cron: "not a cron", Name: "bad"})
	if err == nil {
		t.Fatal("invalid cron must be rejected at registration")
	}
}

func TestProgress_RejectsOutOfRange(t *testing.T) {
	repo := newFakeJobRepo()
	r := newRunner(repo, runner.Options{})

	errCh := make(chan error, 1)
	_ = r.Register(func(ctx context.Context, job *runner.JobContext) (map[string]any, error) {
		errCh <- job.Progress(ctx, 1.5)
		return nil, nil
	}, runner.RegisterOptions{Cron: "0 * * * *", Name: "progress", RunNow: true})

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrInvalidProgress) {
			t.Fatalf("expected ErrInvalidProgress, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}
