package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job record not found")
	ErrJobAlreadyRunning = errors.New("another record for this job is already running")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidProgress   = errors.New("progress must be within [0, 1]")
)

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLog is a single bounded log line attached to a JobRecord.
type JobLog struct {
	Timestamp time.Time `json:"ts"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"msg"`
}

// ErrorDetails is the structured failure snapshot persisted alongside the
// short error string when a job fails.
type ErrorDetails struct {
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Code      string         `json:"code,omitempty"`
	Response  map[string]any `json:"response,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobRecord is one execution of a named job. Identity is (Name, ScheduledAt);
// ID is assigned on first persistence.
type JobRecord struct {
	ID          string
	Name        string
	Status      JobStatus
	MachineName string

	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time

	Progress     float64
	Result       map[string]any
	Error        *string
	ErrorDetails *ErrorDetails
	Logs         []JobLog
	Metadata     map[string]any

	CronExpression string
	Timezone       string
	NextRun        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record is in a final state.
func (r *JobRecord) Terminal() bool {
	return r.Status == JobCompleted || r.Status == JobFailed
}

// Stuck reports whether a running record has exceeded the stale threshold.
func (r *JobRecord) Stuck(threshold time.Duration, now time.Time) bool {
	if r.Status != JobRunning || r.StartedAt == nil {
		return false
	}
	return now.Sub(*r.StartedAt) > threshold
}

// AppendLog adds a log line, trimming from the head when maxLogs is exceeded.
func (r *JobRecord) AppendLog(line JobLog, maxLogs int) {
	r.Logs = append(r.Logs, line)
	if maxLogs > 0 && len(r.Logs) > maxLogs {
		r.Logs = r.Logs[len(r.Logs)-maxLogs:]
	}
}
