package runner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
)

// JobContext is handed to every job callback. Progress and AppendLog write
// through to the lifecycle record; AppendLog is non-blocking and filters
// which lines are persisted so records stay bounded.
type JobContext struct {
	recordID string
	name     string
	repo     repository.JobRepository
	logger   *slog.Logger
	maxLogs  int
}

// Progress records completion in [0, 1]. Out-of-range values are rejected.
func (j *JobContext) Progress(ctx context.Context, p float64) error {
	if p < 0 || p > 1 {
		return domain.ErrInvalidProgress
	}
	return j.repo.UpdateProgress(ctx, j.recordID, p)
}

// AppendLog logs msg at the given level. Errors, warnings, and milestone
// lines (started/completed/Summary) are persisted on the record; everything
// else goes to the process logger only. The persistence write is fired on a
// detached goroutine so callers never block on the database.
func (j *JobContext) AppendLog(msg string, level domain.LogLevel) {
	switch level {
	case domain.LogError:
		j.logger.Error(msg, "job", j.name)
	case domain.LogWarn:
		j.logger.Warn(msg, "job", j.name)
	default:
		j.logger.Info(msg, "job", j.name)
	}

	if !persistable(msg, level) {
		return
	}

	line := domain.JobLog{Timestamp: time.Now(), Level: level, Message: msg}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.repo.AppendLogs(ctx, j.recordID, []domain.JobLog{line}, j.maxLogs); err != nil {
			j.logger.Warn("persist job log", "job", j.name, "error", err)
		}
	}()
}

func persistable(msg string, level domain.LogLevel) bool {
	if level == domain.LogError || level == domain.LogWarn {
		return true
	}
	for _, marker := range []string{"started", "completed", "Summary"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
