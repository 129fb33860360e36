package cycled

import (
	"context"
	"fmt"
	"sync"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

// StepFunc is one workflow step. It must poll ctx at every suspension point
// and return promptly once cancelled.
type StepFunc func(ctx context.Context) (any, error)

// Registry resolves workflow nodes to step functions by functionName, so
// workflows stay data.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]StepFunc)}
}

func (r *Registry) Register(name string, fn StepFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = fn
	return nil
}

func (r *Registry) resolve(name string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStepFunction, name)
	}
	return fn, nil
}

// validate checks that every non-skipped node resolves.
func (r *Registry) validate(workflow []domain.WorkflowNode) error {
	for _, node := range workflow {
		if node.Skipped {
			continue
		}
		if _, err := r.resolve(node.FunctionName); err != nil {
			return err
		}
	}
	return nil
}
