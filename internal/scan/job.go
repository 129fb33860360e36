package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/cycled"
	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
)

// WorkflowName is the singleton session name the scan runs under.
const WorkflowName = "market-scan"

// RateLimitCooldown is how long a quota-driven pause holds before the
// checker lets the session resume.
const RateLimitCooldown = 15 * time.Minute

// checkInterval paces the paused-session checker for scan sessions.
var checkInterval = 5 * time.Second

// RunOnce drives one full scan session and blocks until it reaches a
// terminal state. Quota errors (vendor 429) pause the session and it resumes
// after the cooldown; any other step failure stops it and surfaces here.
func RunOnce(ctx context.Context, orc *cycled.Orchestrator, p *Pipeline) (map[string]any, error) {
	updates := make(chan domain.CycledStatus, 8)
	one := 1
	opts := cycled.Options{
		MaxCycles:     &one,
		CheckInterval: checkInterval,
		StatusChangeCallback: func(st domain.CycledStatus) {
			select {
			case updates <- st:
			default:
			}
		},
	}
	if err := orc.Create(ctx, WorkflowName, p.Workflow(), opts); err != nil {
		return nil, err
	}

	// A paused session is not terminal: quota pauses resolve through the
	// checker, so keep waiting until the session stops or completes. The
	// periodic poll covers a dropped callback.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var st domain.CycledStatus
		select {
		case <-ctx.Done():
			orc.Stop("scan context cancelled")
			return nil, ctx.Err()
		case st = <-updates:
		case <-ticker.C:
			st = orc.Status()
		}
		if st.StopReason != "" {
			return nil, fmt.Errorf("scan stopped: %s", st.StopReason)
		}
		if st.IsRunning || st.IsPaused {
			continue
		}
		result := map[string]any{"cycles": st.TotalCycles}
		for _, node := range st.Workflow {
			if node.Result != nil {
				result[node.FunctionName] = node.Result
			}
		}
		return result, nil
	}
}

// InstallPredicates registers the quota handling: a 429 pauses instead of
// stopping, and the session resumes once the cooldown has elapsed.
func InstallPredicates(orc *cycled.Orchestrator, cooldown time.Duration) {
	// The pause predicate runs on the loop goroutine and the continue
	// predicate on the checker, so the timestamp needs its own lock.
	var mu sync.Mutex
	var pausedAt time.Time

	orc.AddPausePredicate(func(_ context.Context, stepErr error) (bool, error) {
		var httpErr *fetch.HTTPError
		if errors.As(stepErr, &httpErr) && httpErr.StatusCode == 429 {
			mu.Lock()
			pausedAt = time.Now()
			mu.Unlock()
			return true, nil
		}
		return false, nil
	})
	orc.AddContinuePredicate(func(_ context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if pausedAt.IsZero() {
			return true, nil
		}
		return time.Since(pausedAt) >= cooldown, nil
	})
}
