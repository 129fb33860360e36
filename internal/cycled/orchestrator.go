// Package cycled runs an ordered workflow in continuous cycles. Consecutive
// nodes sharing a parallelGroup tag execute concurrently as one scheduler
// unit; pause and continue predicates drive the running/paused transitions;
// cancellation is cooperative. The orchestrator is a process-wide singleton:
// a second Create before Stop fails fast.
package cycled

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/metrics"
)

// PausePredicate decides whether a step failure (or a pre-step check, with a
// nil error) should pause instead of stop.
type PausePredicate func(ctx context.Context, stepErr error) (bool, error)

// ContinuePredicate gates the paused -> running transition.
type ContinuePredicate func(ctx context.Context) (bool, error)

// Options configure one cycled session.
type Options struct {
	MaxCycles            *int // nil = unbounded
	CancelFunc           func()
	StatusChangeCallback func(domain.CycledStatus)
	CheckInterval        time.Duration // condition checker period, default 5s
}

type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger

	mu sync.Mutex

	// Session state, guarded by mu.
	name         string
	workflow     []*domain.WorkflowNode
	opts         Options
	isRunning    bool
	isPaused     bool
	manualPause  bool
	stopped      bool
	completed    bool
	pauseReason  string
	stopReason   string
	currentCycle int
	totalCycles  int
	currentIndex int
	lastErr      error

	pausePredicates    []PausePredicate
	continuePredicates []ContinuePredicate

	cancelHookFired bool
	cycleCancel     context.CancelFunc

	// baseCtx is the session-lifetime context supplied to Create. Resume
	// paths start the loop off it, never off a short-lived caller context.
	baseCtx context.Context

	loopActive  bool
	checkerStop chan struct{}
	checking    bool
}

func New(registry *Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		logger:   logger.With("component", "cycled"),
	}
}

// Create initializes the singleton session and starts the first cycle.
// Fails fast when a session is already active.
func (o *Orchestrator) Create(ctx context.Context, name string, workflow []domain.WorkflowNode, opts Options) error {
	if len(workflow) == 0 {
		return domain.ErrWorkflowEmpty
	}
	if err := o.registry.validate(workflow); err != nil {
		return err
	}

	o.mu.Lock()
	if o.name != "" && !o.stopped && !o.completed {
		o.mu.Unlock()
		return domain.ErrOrchestratorBusy
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}

	o.name = name
	o.opts = opts
	o.workflow = make([]*domain.WorkflowNode, len(workflow))
	for i := range workflow {
		node := workflow[i]
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		if node.MaxAttempts <= 0 {
			node.MaxAttempts = 3
		}
		node.Status = domain.NodePending
		node.Attempts = 0
		node.Cancelled = false
		node.Result = nil
		node.Error = ""
		node.StartedAt = nil
		node.CompletedAt = nil
		node.FailedAt = nil
		o.workflow[i] = &node
	}
	o.isRunning = true
	o.isPaused = false
	o.manualPause = false
	o.stopped = false
	o.completed = false
	o.pauseReason = ""
	o.stopReason = ""
	o.currentCycle = 0
	o.totalCycles = 0
	o.currentIndex = 0
	o.lastErr = nil
	o.cancelHookFired = false
	o.baseCtx = ctx
	o.checkerStop = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("cycled workflow created", "name", name, "steps", len(workflow))

	o.startLoop()
	o.startChecker()
	return nil
}

// AddPausePredicate registers a pause predicate; safe during execution.
func (o *Orchestrator) AddPausePredicate(p PausePredicate) {
	o.mu.Lock()
	o.pausePredicates = append(o.pausePredicates, p)
	o.mu.Unlock()
}

// AddContinuePredicate registers a continue predicate; safe during execution.
func (o *Orchestrator) AddContinuePredicate(p ContinuePredicate) {
	o.mu.Lock()
	o.continuePredicates = append(o.continuePredicates, p)
	o.mu.Unlock()
}

// Status snapshots the full session state.
func (o *Orchestrator) Status() domain.CycledStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() domain.CycledStatus {
	nodes := make([]domain.WorkflowNode, len(o.workflow))
	for i, n := range o.workflow {
		nodes[i] = *n
	}
	return domain.CycledStatus{
		Name:         o.name,
		IsRunning:    o.isRunning,
		IsPaused:     o.isPaused,
		ManualPause:  o.manualPause,
		PauseReason:  o.pauseReason,
		StopReason:   o.stopReason,
		CurrentCycle: o.currentCycle,
		TotalCycles:  o.totalCycles,
		MaxCycles:    o.opts.MaxCycles,
		CurrentIndex: o.currentIndex,
		Workflow:     nodes,
		UpdatedAt:    time.Now(),
	}
}

// PauseManually pauses until ResumeManually; continue predicates are
// ignored while the manual flag holds.
func (o *Orchestrator) PauseManually(reason string) {
	o.mu.Lock()
	o.manualPause = true
	o.enterPauseLocked("manual: " + reason)
	o.mu.Unlock()
	metrics.CycledPausesTotal.WithLabelValues("manual").Inc()
}

// ResumeManually clears the manual pause and restarts execution regardless
// of continue predicates.
func (o *Orchestrator) ResumeManually(ctx context.Context) {
	o.mu.Lock()
	if !o.isPaused || o.stopped || o.completed {
		o.mu.Unlock()
		return
	}
	o.manualPause = false
	o.resumeLocked()
	o.mu.Unlock()
	o.startLoop()
}

// Continue resumes from paused when not manually paused and every continue
// predicate agrees.
func (o *Orchestrator) Continue(ctx context.Context) bool {
	o.mu.Lock()
	if !o.isPaused || o.manualPause || o.stopped || o.completed {
		o.mu.Unlock()
		return false
	}
	preds := append([]ContinuePredicate(nil), o.continuePredicates...)
	o.mu.Unlock()

	for _, p := range preds {
		ok, err := p(ctx)
		if err != nil || !ok {
			return false
		}
	}

	o.mu.Lock()
	if !o.isPaused || o.manualPause || o.stopped || o.completed {
		o.mu.Unlock()
		return false
	}
	o.resumeLocked()
	o.mu.Unlock()
	o.startLoop()
	return true
}

// Stop terminates the session. Terminal until Restart.
func (o *Orchestrator) Stop(reason string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.isRunning = false
	o.isPaused = false
	o.stopReason = reason
	o.cancelInFlightLocked()
	if o.checkerStop != nil {
		close(o.checkerStop)
		o.checkerStop = nil
	}
	status := o.statusLocked()
	cb := o.opts.StatusChangeCallback
	name := o.name
	o.mu.Unlock()

	// The run loop and the checker observe the stopped flag and wind down on
	// their own; Stop must not wait on them because it can be invoked from
	// inside the loop goroutine after a step failure.
	o.logger.Info("cycled workflow stopped", "name", name, "reason", reason)
	if cb != nil {
		cb(status)
	}
}

// Restart resets a stopped or completed session to a fresh run of the same
// workflow.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopped && !o.completed {
		o.mu.Unlock()
		return fmt.Errorf("restart: session %q is still active", o.name)
	}
	name := o.name
	workflow := make([]domain.WorkflowNode, len(o.workflow))
	for i, n := range o.workflow {
		workflow[i] = *n
	}
	opts := o.opts
	o.name = "" // release the singleton slot
	o.mu.Unlock()

	return o.Create(ctx, name, workflow, opts)
}

// --- internal machinery ---

// startLoop spawns the run loop unless one is already alive. The guard makes
// resume idempotent when the previous loop has not finished winding down yet.
func (o *Orchestrator) startLoop() {
	o.mu.Lock()
	if o.loopActive {
		o.mu.Unlock()
		return
	}
	o.loopActive = true
	ctx := o.baseCtx
	o.mu.Unlock()
	go o.runLoop(ctx)
}

// runLoop executes cycles until the session pauses, stops, or completes.
func (o *Orchestrator) runLoop(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.stopped || o.completed || o.isPaused {
			o.loopActive = false
			o.mu.Unlock()
			return
		}
		o.isRunning = true
		// A resumed loop re-enters mid-cycle; only a fresh cycle bumps the
		// counter.
		if o.currentCycle == o.totalCycles {
			o.currentCycle++
		}
		cycleCtx, cancel := context.WithCancel(ctx)
		o.cycleCancel = cancel
		o.mu.Unlock()

		finished := o.runCycle(cycleCtx)
		cancel()
		if !finished {
			// Paused or stopped mid-cycle. Loop back to the top check so a
			// resume that races the wind-down is picked up by this goroutine.
			continue
		}

		o.mu.Lock()
		o.totalCycles++
		o.currentIndex = 0
		metrics.CyclesCompletedTotal.Inc()
		o.logger.Info("cycle completed", "name", o.name, "total", o.totalCycles)

		if o.opts.MaxCycles != nil && o.totalCycles >= *o.opts.MaxCycles {
			o.completed = true
			o.isRunning = false
			o.loopActive = false
			if o.checkerStop != nil {
				close(o.checkerStop)
				o.checkerStop = nil
			}
			status := o.statusLocked()
			cb := o.opts.StatusChangeCallback
			o.mu.Unlock()
			o.logger.Info("cycled workflow completed", "name", o.name, "cycles", status.TotalCycles)
			if cb != nil {
				cb(status)
			}
			return
		}
		// Another cycle will run: node state resets only here so a completed
		// session keeps its final statuses visible.
		for _, n := range o.workflow {
			n.Status = domain.NodePending
			n.Cancelled = false
		}
		preds := append([]ContinuePredicate(nil), o.continuePredicates...)
		o.mu.Unlock()

		// The scheduler yields at the cycle boundary; the next cycle starts
		// immediately afterwards unless a continue predicate objects.
		proceed := true
		for _, p := range preds {
			ok, err := p(ctx)
			if err != nil || !ok {
				proceed = false
				break
			}
		}
		if !proceed {
			o.mu.Lock()
			o.enterPauseLocked("continue predicate declined next cycle")
			o.mu.Unlock()
			metrics.CycledPausesTotal.WithLabelValues("predicate").Inc()
		}
	}
}

// runCycle walks the workflow from currentIndex. Returns true when the last
// node settled and the cycle is complete, false when execution must yield
// because the session paused or stopped.
func (o *Orchestrator) runCycle(ctx context.Context) bool {
	for {
		o.mu.Lock()
		if o.stopped || o.isPaused {
			o.mu.Unlock()
			return false
		}
		if o.currentIndex >= len(o.workflow) {
			o.mu.Unlock()
			return true
		}
		i := o.currentIndex
		node := o.workflow[i]
		preds := append([]PausePredicate(nil), o.pausePredicates...)
		o.mu.Unlock()

		// Pre-step pause check with no error: an external condition (rate
		// limit budget, market hours) may demand a pause between steps.
		if o.anyPauseTrue(ctx, preds, nil) {
			o.pause("pause predicate before step "+node.Name, "predicate")
			return false
		}

		if node.Skipped {
			o.mu.Lock()
			node.Status = domain.NodeCompleted
			o.currentIndex = i + 1
			o.mu.Unlock()
			continue
		}

		if node.ParallelGroup == "" {
			if !o.runSerial(ctx, node, i) {
				return false
			}
			continue
		}
		if !o.runGroup(ctx, node.ParallelGroup, i) {
			return false
		}
	}
}

// runSerial executes one ungrouped node. Returns false to yield.
func (o *Orchestrator) runSerial(ctx context.Context, node *domain.WorkflowNode, index int) bool {
	err := o.invoke(ctx, node)

	o.mu.Lock()
	if node.Cancelled {
		// Return without marking completed so continue replays this node.
		node.Status = domain.NodeCancelled
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	if err != nil {
		o.markFailed(node, err)
		o.decidePauseOrStop(ctx, err, "step "+node.Name+" failed")
		return false
	}
	o.mu.Lock()
	o.currentIndex = index + 1
	o.mu.Unlock()
	return true
}

// runGroup executes the maximal run of consecutive nodes tagged with group,
// in parallel, and advances past the whole group only when every member has
// settled without a non-cancelled failure.
func (o *Orchestrator) runGroup(ctx context.Context, group string, start int) bool {
	o.mu.Lock()
	end := start
	for end < len(o.workflow) && o.workflow[end].ParallelGroup == group {
		end++
	}
	members := make([]*domain.WorkflowNode, 0, end-start)
	for _, n := range o.workflow[start:end] {
		if !n.Skipped {
			members = append(members, n)
		} else {
			n.Status = domain.NodeCompleted
		}
	}
	o.mu.Unlock()

	errs := make([]error, len(members))
	var g errgroup.Group
	for i, node := range members {
		g.Go(func() error {
			errs[i] = o.invoke(ctx, node)
			return nil
		})
	}
	_ = g.Wait() // all members settle before the group resolves

	var firstErr error
	o.mu.Lock()
	for i, node := range members {
		if node.Cancelled {
			// A cancelled member is not a failure.
			node.Status = domain.NodeCancelled
			continue
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
	}
	paused := o.isPaused || o.stopped
	o.mu.Unlock()

	if firstErr != nil {
		for i, node := range members {
			if errs[i] != nil && !node.Cancelled {
				o.markFailed(node, errs[i])
			}
		}
		o.decidePauseOrStop(ctx, firstErr, "parallel group "+group+" failed")
		return false
	}
	if paused {
		// Index stays at the first node of the group so resume replays it.
		return false
	}

	o.mu.Lock()
	o.currentIndex = end
	o.mu.Unlock()
	return true
}

// invoke runs one node's step function with attempt accounting.
func (o *Orchestrator) invoke(ctx context.Context, node *domain.WorkflowNode) error {
	fn, err := o.registry.resolve(node.FunctionName)
	if err != nil {
		return err
	}

	now := time.Now()
	o.mu.Lock()
	node.Status = domain.NodeRunning
	node.Attempts++
	node.StartedAt = &now
	node.Error = ""
	o.mu.Unlock()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		metrics.WorkflowStepDuration.WithLabelValues(node.Name, "failure").Observe(elapsed.Seconds())
		return err
	}

	o.mu.Lock()
	if !node.Cancelled && result != nil {
		done := time.Now()
		node.Status = domain.NodeCompleted
		node.Result = result
		node.CompletedAt = &done
	} else if !node.Cancelled {
		// A nil result is success without a payload: nothing is recorded
		// and the node drops back to pending, but execution still advances
		// past it.
		node.Status = domain.NodePending
	}
	o.mu.Unlock()
	metrics.WorkflowStepDuration.WithLabelValues(node.Name, "success").Observe(elapsed.Seconds())
	return nil
}

func (o *Orchestrator) markFailed(node *domain.WorkflowNode, err error) {
	now := time.Now()
	o.mu.Lock()
	node.Status = domain.NodeFailed
	node.Error = err.Error()
	node.FailedAt = &now
	o.lastErr = err
	o.mu.Unlock()
}

// decidePauseOrStop consults pause predicates with the failure. Any true
// pauses the session; otherwise it stops.
func (o *Orchestrator) decidePauseOrStop(ctx context.Context, stepErr error, reason string) {
	o.mu.Lock()
	preds := append([]PausePredicate(nil), o.pausePredicates...)
	o.mu.Unlock()

	if len(preds) > 0 && o.anyPauseTrue(ctx, preds, stepErr) {
		o.pause(reason+": "+stepErr.Error(), "failure")
		return
	}
	o.Stop(reason + ": " + stepErr.Error())
}

func (o *Orchestrator) anyPauseTrue(ctx context.Context, preds []PausePredicate, stepErr error) bool {
	for _, p := range preds {
		ok, err := p(ctx, stepErr)
		if err != nil {
			o.logger.Warn("pause predicate error", "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// pause transitions running -> paused, cancels in-flight work, and fires
// the external cancel hook exactly once per pause episode.
func (o *Orchestrator) pause(reason, cause string) {
	o.mu.Lock()
	if o.stopped || o.completed {
		o.mu.Unlock()
		return
	}
	o.enterPauseLocked(reason)
	o.mu.Unlock()
	metrics.CycledPausesTotal.WithLabelValues(cause).Inc()
}

// enterPauseLocked requires mu held.
func (o *Orchestrator) enterPauseLocked(reason string) {
	if o.isPaused {
		return
	}
	o.isPaused = true
	o.isRunning = false
	o.pauseReason = reason
	o.cancelInFlightLocked()
	o.logger.Info("cycled workflow paused", "name", o.name, "reason", reason)
	if cb := o.opts.StatusChangeCallback; cb != nil {
		status := o.statusLocked()
		go cb(status)
	}
}

// cancelInFlightLocked sets the cancelled flag on running nodes, cancels
// the cycle context, and fires the user cancel hook once.
func (o *Orchestrator) cancelInFlightLocked() {
	for _, n := range o.workflow {
		if n.Status == domain.NodeRunning {
			n.Cancelled = true
		}
	}
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
	if !o.cancelHookFired && o.opts.CancelFunc != nil {
		o.cancelHookFired = true
		go o.opts.CancelFunc()
	}
}

// resumeLocked requires mu held: clears pause state and resets cancelled
// nodes so they replay from scratch.
func (o *Orchestrator) resumeLocked() {
	o.isPaused = false
	o.pauseReason = ""
	o.cancelHookFired = false
	for _, n := range o.workflow {
		if n.Cancelled || n.Status == domain.NodeCancelled || n.Status == domain.NodeFailed {
			n.Cancelled = false
			n.Status = domain.NodePending
			n.Result = nil
			n.Error = ""
		}
	}
	o.logger.Info("cycled workflow resumed", "name", o.name, "index", o.currentIndex)
}

// startChecker runs the background condition checker: while paused and not
// manually paused it evaluates continue predicates and drives the
// transition back to running. Non-re-entrant: a tick is skipped while the
// previous evaluation still runs.
func (o *Orchestrator) startChecker() {
	o.mu.Lock()
	stop := o.checkerStop
	interval := o.opts.CheckInterval
	ctx := o.baseCtx
	o.mu.Unlock()
	if stop == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				o.mu.Lock()
				busy := o.checking
				shouldCheck := o.isPaused && !o.manualPause && !o.stopped && !o.completed
				if shouldCheck && !busy {
					o.checking = true
				}
				o.mu.Unlock()
				if !shouldCheck || busy {
					continue
				}
				o.Continue(ctx)
				o.mu.Lock()
				o.checking = false
				o.mu.Unlock()
			}
		}
	}()
}
