package domain

import (
	"errors"
	"time"
)

var (
	ErrOrchestratorBusy    = errors.New("a cycled workflow is already active")
	ErrWorkflowEmpty       = errors.New("workflow must contain at least one node")
	ErrUnknownStepFunction = errors.New("workflow references an unregistered step function")
)

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// WorkflowNode is one step of a cycled workflow. Consecutive nodes sharing a
// ParallelGroup tag run concurrently as one scheduler unit.
type WorkflowNode struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	FunctionName  string     `json:"functionName"`
	ParallelGroup string     `json:"parallelGroup,omitempty"`
	Skipped       bool       `json:"skipped,omitempty"`
	Status        NodeStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	Cancelled     bool       `json:"cancelled"`
	Result        any        `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
}

// CycledStatus is the externally visible snapshot of the cycled workflow
// orchestrator, handed to status-change notifiers on every terminal
// transition.
type CycledStatus struct {
	Name         string         `json:"name"`
	IsRunning    bool           `json:"isRunning"`
	IsPaused     bool           `json:"isPaused"`
	ManualPause  bool           `json:"manualPause"`
	PauseReason  string         `json:"pauseReason,omitempty"`
	StopReason   string         `json:"stopReason,omitempty"`
	CurrentCycle int            `json:"currentCycle"`
	TotalCycles  int            `json:"totalCycles"`
	MaxCycles    *int           `json:"maxCycles,omitempty"`
	CurrentIndex int            `json:"currentAsyncFnIndex"`
	Workflow     []WorkflowNode `json:"workflow"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}
