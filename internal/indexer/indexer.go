// Package indexer applies declarative index rules at startup and at
// maintenance ticks. It is strictly additive: missing indexes are created,
// existing ones are never dropped, modified, or renamed.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Store is the database surface the manager needs. *postgres.IndexStore
// implements it.
type Store interface {
	// ListIndexKeys returns the normalized keys (domain.IndexRule.Key form)
	// of every index on the collection.
	ListIndexKeys(ctx context.Context, collection string) ([]string, error)
	CreateIndex(ctx context.Context, rule domain.IndexRule) error
}

type Options struct {
	MaxConcurrent   int           // default 3
	PerIndexTimeout time.Duration // default 5m
	MaxRetries      uint64        // default 3
}

// Report is the outcome of one ensure pass. Failures never abort the
// containing startup sequence.
type Report struct {
	Checked  int
	Created  []string
	Skipped  bool
	Failures map[string]error
}

type Manager struct {
	store  Store
	rules  []domain.IndexRule
	opts   Options
	logger *slog.Logger
}

func New(store Store, rules []domain.IndexRule, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.PerIndexTimeout <= 0 {
		opts.PerIndexTimeout = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Manager{
		store:  store,
		rules:  rules,
		opts:   opts,
		logger: logger.With("component", "indexer"),
	}
}

// Ensure creates every missing index. Idempotent: a second run on an
// unchanged database creates nothing.
func (m *Manager) Ensure(ctx context.Context) *Report {
	report := &Report{Checked: len(m.rules), Failures: make(map[string]error)}

	// Fast path: sample the most critical collection; if all of its rules
	// are present, assume a previous pass already converged.
	if m.fastPathSatisfied(ctx) {
		report.Skipped = true
		m.logger.Debug("index fast-path satisfied, skipping full pass")
		return report
	}

	missing := m.missingRules(ctx, report)
	if len(missing) == 0 {
		return report
	}

	sortByPriority(missing)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)
	results := make([]error, len(missing))
	for i, rule := range missing {
		g.Go(func() error {
			results[i] = m.createWithRetry(gctx, rule)
			return nil
		})
	}
	_ = g.Wait()

	for i, rule := range missing {
		if err := results[i]; err != nil {
			report.Failures[rule.Key()] = err
			m.logger.Error("index creation failed", "index", rule.Key(), "error", err)
			continue
		}
		report.Created = append(report.Created, rule.Key())
		metrics.IndexesCreatedTotal.Inc()
	}

	m.validate(ctx, missing, report)
	return report
}

func (m *Manager) fastPathSatisfied(ctx context.Context) bool {
	var critical string
	for _, r := range m.rules {
		if r.Priority == domain.IndexCritical {
			critical = r.Collection
			break
		}
	}
	if critical == "" {
		return false
	}
	existing, err := m.store.ListIndexKeys(ctx, critical)
	if err != nil {
		return false
	}
	present := toSet(existing)
	for _, r := range m.rules {
		if r.Collection != critical {
			continue
		}
		if _, ok := present[r.Key()]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) missingRules(ctx context.Context, report *Report) []domain.IndexRule {
	byCollection := make(map[string][]domain.IndexRule)
	for _, r := range m.rules {
		byCollection[r.Collection] = append(byCollection[r.Collection], r)
	}

	var missing []domain.IndexRule
	for collection, rules := range byCollection {
		existing, err := m.store.ListIndexKeys(ctx, collection)
		if err != nil {
			report.Failures["list:"+collection] = err
			m.logger.Error("list indexes", "collection", collection, "error", err)
			continue
		}
		present := toSet(existing)
		for _, r := range rules {
			if _, ok := present[r.Key()]; !ok {
				missing = append(missing, r)
			}
		}
	}
	return missing
}

func (m *Manager) createWithRetry(ctx context.Context, rule domain.IndexRule) error {
	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.PerIndexTimeout)
		defer cancel()

		err := m.store.CreateIndex(opCtx, rule)
		if err == nil || isAlreadyExists(err) {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.opts.MaxRetries), ctx)
	return backoff.Retry(op, policy)
}

func (m *Manager) validate(ctx context.Context, created []domain.IndexRule, report *Report) {
	byCollection := make(map[string][]domain.IndexRule)
	for _, r := range created {
		if _, failed := report.Failures[r.Key()]; !failed {
			byCollection[r.Collection] = append(byCollection[r.Collection], r)
		}
	}
	for collection, rules := range byCollection {
		existing, err := m.store.ListIndexKeys(ctx, collection)
		if err != nil {
			continue
		}
		present := toSet(existing)
		for _, r := range rules {
			if _, ok := present[r.Key()]; !ok {
				report.Failures[r.Key()] = errors.New("index missing after creation")
			}
		}
	}
}

// sortByPriority orders by priority, then unique before non-unique, then
// compound before single-field.
func sortByPriority(rules []domain.IndexRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Options.Unique != b.Options.Unique {
			return a.Options.Unique
		}
		return a.Compound() && !b.Compound()
	})
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// retryable classifies transient failures: network drops, timeouts, primary
// elections, shutdown in progress.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection", "timeout", "timed out", "network",
		"not the leader", "election", "shutdown in progress",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
