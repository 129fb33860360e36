package indexer_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/indexer"
)

// fakeStore tracks created indexes in memory.
type fakeStore struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	created []string
	failOn  map[string]error
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]struct{}), failOn: make(map[string]error)}
}

func (s *fakeStore) ListIndexKeys(_ context.Context, collection string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var keys []string
	for k := range s.keys {
		if len(k) > len(collection) && k[:len(collection)] == collection {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) CreateIndex(_ context.Context, rule domain.IndexRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[rule.Key()]; ok {
		return err
	}
	s.keys[rule.Key()] = struct{}{}
	s.created = append(s.created, rule.Key())
	return nil
}

func newManager(s *fakeStore, rules []domain.IndexRule) *indexer.Manager {
	return indexer.New(s, rules, indexer.Options{MaxRetries: 1}, slog.Default())
}

func TestEnsure_CreatesMissing(t *testing.T) {
	store := newFakeStore()
	rules := indexer.DefaultRules()

	report := newManager(store, rules).Ensure(context.Background())
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
	if len(report.Created) != len(rules) {
		t.Fatalf("expected %d created, got %d", len(rules), len(report.Created))
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	store := newFakeStore()
	rules := indexer.DefaultRules()
	mgr := newManager(store, rules)

	first := mgr.Ensure(context.Background())
	if len(first.Created) == 0 {
		t.Fatal("first run should create indexes")
	}

	second := mgr.Ensure(context.Background())
	if len(second.Created) != 0 {
		t.Fatalf("second run created %v, want none", second.Created)
	}
	if !second.Skipped {
		t.Fatal("second run should take the fast path")
	}
}

func TestEnsure_NonRetryableFailureDoesNotAbortOthers(t *testing.T) {
	store := newFakeStore()
	rules := indexer.DefaultRules()
	bad := rules[0].Key()
	store.failOn[bad] = errors.New("permission denied")

	report := newManager(store, rules).Ensure(context.Background())
	if _, ok := report.Failures[bad]; !ok {
		t.Fatalf("expected failure for %s", bad)
	}
	if len(report.Created) != len(rules)-1 {
		t.Fatalf("expected %d created despite failure, got %d", len(rules)-1, len(report.Created))
	}
}

func TestEnsure_PreExistingIndexIsNoOp(t *testing.T) {
	rules := []domain.IndexRule{{
		Collection: "job_records",
		Fields:     []domain.IndexField{{Name: "name", Direction: 1}},
		Priority:   domain.IndexCritical,
	}}
	seeded := newFakeStore()
	seeded.keys[rules[0].Key()] = struct{}{}

	report := newManager(seeded, rules).Ensure(context.Background())
	if len(report.Created) != 0 || len(report.Failures) != 0 {
		t.Fatalf("pre-existing index should be a no-op, got %+v", report)
	}
}

func TestRuleKey_StableUnderFieldOrder(t *testing.T) {
	a := domain.IndexRule{
		Collection: "job_records",
		Fields: []domain.IndexField{
			{Name: "name", Direction: 1},
			{Name: "scheduled_at", Direction: -1},
		},
	}
	b := domain.IndexRule{
		Collection: "job_records",
		Fields: []domain.IndexField{
			{Name: "scheduled_at", Direction: -1},
			{Name: "name", Direction: 1},
		},
	}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %s vs %s", a.Key(), b.Key())
	}
}
