package fetch_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
)

// memRepo is an in-memory CacheRepository for tests.
type memRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
	version string
	putErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[string]*domain.CacheEntry), version: fetch.CacheVersion}
}

func (r *memRepo) Get(_ context.Context, key string) (*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.Expired(time.Now()) {
		return nil, domain.ErrCacheMiss
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) Put(_ context.Context, entry *domain.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		err := r.putErr
		r.putErr = nil
		return err
	}
	cp := *entry
	now := time.Now()
	if existing, ok := r.entries[entry.CacheKey]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.entries[entry.CacheKey] = &cp
	return nil
}

func (r *memRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *memRepo) ListForEviction(_ context.Context, limit int) ([]*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CacheEntry
	for _, e := range r.entries {
		cp := *e
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UpdatedAt.Before(out[i].UpdatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for k, e := range r.entries {
		if !now.Before(e.ExpiresAt) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DeleteOldest(_ context.Context, n int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type kv struct {
		key string
		at  time.Time
	}
	var all []kv
	for k, e := range r.entries {
		all = append(all, kv{k, e.CreatedAt})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].at.Before(all[i].at) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	var deleted int
	for i := 0; i < n && i < len(all); i++ {
		delete(r.entries, all[i].key)
		deleted++
	}
	return deleted, nil
}

func (r *memRepo) DeleteOrphans(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for k, e := range r.entries {
		if e.Orphaned() {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*domain.CacheEntry)
	return nil
}

func (r *memRepo) Stats(_ context.Context) (*repository.CacheStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &repository.CacheStats{Entries: len(r.entries)}
	for _, e := range r.entries {
		stats.TotalBytes += int64(len(e.Data))
	}
	return stats, nil
}

func (r *memRepo) GetVersion(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, nil
}

func (r *memRepo) SetVersion(_ context.Context, v string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = v
	return nil
}

var _ repository.CacheRepository = (*memRepo)(nil)

func newClient(t *testing.T, baseURL string, repo repository.CacheRepository, cfg fetch.Config) *fetch.Client {
	t.Helper()
	cfg.BaseURL = baseURL
	c := fetch.New(context.Background(), cfg, repo, slog.Default())
	t.Cleanup(c.Close)
	return c
}

func TestCacheKey_StableUnderParamOrder(t *testing.T) {
	a := fetch.CacheKey("get", "https://api.example.com/v1/fundamentals/AAPL", "https://api.example.com",
		map[string]string{"period": "q", "limit": "5"}, nil)
	b := fetch.CacheKey("GET", "https://api.example.com/v1/fundamentals/AAPL", "https://api.example.com",
		map[string]string{"limit": "5", "period": "q"}, nil)
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a == fetch.CacheKey("GET", "/v1/fundamentals/MSFT", "", nil, nil) {
		t.Fatal("different endpoints must not collide")
	}
}

func TestCacheKey_PathNormalization(t *testing.T) {
	key := fetch.CacheKey("GET", "https://api.example.com/v1/real-time/AAPL", "https://api.example.com", nil, nil)
	// Slashes fold to dashes; the base URL and leading slash are gone.
	if key != "GET:v1-real-time-AAPL" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestGet_TwoTierPromotion(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"value":"B"}`))
	}))
	defer srv.Close()

	repo := newMemRepo()
	client := newClient(t, srv.URL, repo, fetch.Config{})

	var out map[string]string
	if err := client.Get(context.Background(), "/v1/x", fetch.RequestOptions{}, &out); err != nil {
		t.Fatal(err)
	}
	if out["value"] != "B" {
		t.Fatalf("unexpected body %v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one network call, got %d", calls.Load())
	}

	// Clear memory only; the next read must come from the persistent tier
	// and re-populate the memory tier.
	client.ClearMemory()
	out = nil
	if err := client.Get(context.Background(), "/v1/x", fetch.RequestOptions{}, &out); err != nil {
		t.Fatal(err)
	}
	if out["value"] != "B" {
		t.Fatalf("unexpected body %v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("persistent hit should not go to the network, calls=%d", calls.Load())
	}

	snap := client.Stats().Snapshot()
	if snap.MemoryHits != 0 || snap.PersistentHits != 1 {
		t.Fatalf("counters: %+v", snap)
	}

	// Third read is a memory hit thanks to promotion.
	out = nil
	if err := client.Get(context.Background(), "/v1/x", fetch.RequestOptions{}, &out); err != nil {
		t.Fatal(err)
	}
	snap = client.Stats().Snapshot()
	if snap.MemoryHits != 1 {
		t.Fatalf("expected a memory hit after promotion, got %+v", snap)
	}
}

func TestGet_Deduplication(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil, fetch.Config{EnableDeduplication: true})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]bool
			_ = client.Get(context.Background(), "/v1/dup", fetch.RequestOptions{}, &out)
		}()
	}
	// Give the goroutines time to coalesce before releasing the handler.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected one in-flight request for the same key, got %d", calls.Load())
	}
	if client.Stats().Snapshot().Deduplicated == 0 {
		t.Fatal("expected deduplicated counter to advance")
	}
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/block" {
			<-block
		} else {
			mu.Lock()
			order = append(order, r.URL.Path)
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil, fetch.Config{MaxConcurrency: 1})

	var wg sync.WaitGroup
	run := func(path string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Get(context.Background(), path, fetch.RequestOptions{Priority: priority}, nil)
		}()
	}

	// Occupy the single slot, then queue a low-priority and a high-priority
	// request. The priority-1 task must run first once the slot frees.
	run("/block", 1)
	time.Sleep(50 * time.Millisecond)
	run("/low", 100)
	time.Sleep(50 * time.Millisecond)
	run("/high", 1)
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "/high" || order[1] != "/low" {
		t.Fatalf("unexpected execution order %v", order)
	}
}

func TestRetry_ServerErrorsThenSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil, fetch.Config{
		EnableRetry: true,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
	})

	var out map[string]bool
	if err := client.Get(context.Background(), "/flaky", fetch.RequestOptions{}, &out); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if client.Stats().Snapshot().Retried != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", client.Stats().Snapshot().Retried)
	}
}

func TestRetry_ClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil, fetch.Config{
		EnableRetry: true,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
	})

	err := client.Get(context.Background(), "/limited", fetch.RequestOptions{}, nil)
	var httpErr *fetch.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected a 429 HTTPError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestPersistentTier_EntryCeilingEvicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	repo := newMemRepo()
	client := newClient(t, srv.URL, repo, fetch.Config{PersistentMaxCount: 3})

	paths := []string{"/a", "/b", "/c", "/d", "/e"}
	for _, p := range paths {
		if err := client.Get(context.Background(), p, fetch.RequestOptions{}, nil); err != nil {
			t.Fatal(err)
		}
	}

	stats, _ := repo.Stats(context.Background())
	if stats.Entries > 3 {
		t.Fatalf("ceiling not enforced: %d entries", stats.Entries)
	}
}

func TestPersistentTier_StorageFullEvictsHalfAndRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	repo := newMemRepo()
	client := newClient(t, srv.URL, repo, fetch.Config{})

	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		if err := client.Get(context.Background(), p, fetch.RequestOptions{}, nil); err != nil {
			t.Fatal(err)
		}
	}

	repo.mu.Lock()
	repo.putErr = domain.ErrStorageFull
	repo.mu.Unlock()

	if err := client.Get(context.Background(), "/full", fetch.RequestOptions{}, nil); err != nil {
		t.Fatal(err)
	}

	stats, _ := repo.Stats(context.Background())
	// Half of the four pre-existing entries evicted, plus the new write.
	if stats.Entries != 3 {
		t.Fatalf("expected 3 entries after emergency eviction, got %d", stats.Entries)
	}
}

func TestMemoryTTLBoundary(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil, fetch.Config{MemoryTTL: 150 * time.Millisecond})

	if err := client.Get(context.Background(), "/ttl", fetch.RequestOptions{}, nil); err != nil {
		t.Fatal(err)
	}

	// Just inside the TTL: served from memory.
	time.Sleep(50 * time.Millisecond)
	if err := client.Get(context.Background(), "/ttl", fetch.RequestOptions{}, nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a memory hit inside the TTL, calls=%d", calls.Load())
	}

	// Past the TTL: the entry is absent and the network is consulted again.
	time.Sleep(200 * time.Millisecond)
	if err := client.Get(context.Background(), "/ttl", fetch.RequestOptions{}, nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a miss past the TTL, calls=%d", calls.Load())
	}
}

func TestVersionMismatchClearsTier(t *testing.T) {
	repo := newMemRepo()
	repo.version = "stale"
	_ = repo.Put(context.Background(), &domain.CacheEntry{
		CacheKey:  "GET:v1-old",
		Data:      []byte(`{}`),
		ExpiresAt: time.Now().Add(time.Hour),
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	newClient(t, srv.URL, repo, fetch.Config{})

	stats, _ := repo.Stats(context.Background())
	if stats.Entries != 0 {
		t.Fatalf("stale tier should have been cleared, %d entries remain", stats.Entries)
	}
	if v, _ := repo.GetVersion(context.Background()); v != fetch.CacheVersion {
		t.Fatalf("version not rewritten, got %q", v)
	}
}
