package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

type ListJobsInput struct {
	Name       string           // empty = all names
	Status     domain.JobStatus // empty = all statuses
	CursorTime *time.Time       // nil = first page
	CursorID   string           // used only when CursorTime is non-nil
	Limit      int
}

// JobStats feeds the maintenance health report.
type JobStats struct {
	Total      int
	ByStatus   map[domain.JobStatus]int
	AvgLogs    float64
	MaxLogs    int
	OldestAge  time.Duration
}

// JobRepository persists job lifecycle records. All three terminal
// transitions are single-statement conditional updates so that the
// at-most-one-running invariant holds without database transactions.
type JobRepository interface {
	Create(ctx context.Context, record *domain.JobRecord) (*domain.JobRecord, error)
	GetByID(ctx context.Context, id string) (*domain.JobRecord, error)
	ListJobs(ctx context.Context, input ListJobsInput) ([]*domain.JobRecord, error)

	// FindRunning returns the running record for name, or nil.
	FindRunning(ctx context.Context, name string) (*domain.JobRecord, error)

	// MarkRunning transitions scheduled -> running. ErrInvalidTransition
	// when the record is no longer in scheduled.
	MarkRunning(ctx context.Context, id string, startedAt time.Time, machineName string) error

	// MarkCompleted transitions running -> completed with the final result.
	MarkCompleted(ctx context.Context, id string, result map[string]any) error

	// MarkFailed transitions running|scheduled -> failed.
	MarkFailed(ctx context.Context, id string, errMsg string, details *domain.ErrorDetails) error

	// ForceStatus overwrites the status unconditionally. Fallback path so a
	// record can never remain stuck in running after a write error.
	ForceStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error

	UpdateProgress(ctx context.Context, id string, progress float64) error
	AppendLogs(ctx context.Context, id string, logs []domain.JobLog, maxLogs int) error

	// FailAllRunning is the rescue path: every running record becomes failed
	// with the given marker. Blind bulk write, crash-safe by construction.
	FailAllRunning(ctx context.Context, marker string) (int, error)

	// Maintenance surface.
	DeleteTerminalOlderThan(ctx context.Context, status domain.JobStatus, cutoff time.Time, keepPerName int) (int, error)
	TrimLogs(ctx context.Context, maxLogs int) (int, error)
	DeleteOldestTerminal(ctx context.Context, keep int) (int, error)
	Stats(ctx context.Context) (*JobStats, error)
}
