package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	gocache "github.com/patrickmn/go-cache"
)

// CacheVersion tags the persistent tier format. A mismatch at open time
// clears the whole tier.
const CacheVersion = "2"

// memoryTier is the short-TTL volatile cache in front of the persistent
// store.
type memoryTier struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func newMemoryTier(ttl time.Duration) *memoryTier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &memoryTier{
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (m *memoryTier) put(key string, data []byte) {
	m.cache.Set(key, data, m.ttl)
}

func (m *memoryTier) clear() { m.cache.Flush() }

// persistentTier wraps the CacheRepository with the size/count ceilings, the
// LRU-approximate eviction, and the out-of-space recovery. All failures are
// advisory and logged, never propagated.
type persistentTier struct {
	repo       repository.CacheRepository
	ttl        time.Duration
	maxBytes   int64
	maxEntries int
	logger     *slog.Logger
}

func newPersistentTier(repo repository.CacheRepository, ttl time.Duration, maxBytes int64, maxEntries int, logger *slog.Logger) *persistentTier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &persistentTier{
		repo:       repo,
		ttl:        ttl,
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		logger:     logger.With("component", "cache_persistent"),
	}
}

// open verifies the version tag and clears the tier on mismatch.
func (p *persistentTier) open(ctx context.Context) {
	version, err := p.repo.GetVersion(ctx)
	if err != nil {
		p.logger.Warn("read cache version", "error", err)
		return
	}
	if version != CacheVersion {
		if version != "" {
			p.logger.Info("cache version mismatch, clearing tier", "stored", version, "expected", CacheVersion)
		}
		if err := p.repo.Clear(ctx); err != nil {
			p.logger.Warn("clear cache tier", "error", err)
			return
		}
		if err := p.repo.SetVersion(ctx, CacheVersion); err != nil {
			p.logger.Warn("write cache version", "error", err)
		}
	}
}

func (p *persistentTier) get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := p.repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			p.logger.Warn("persistent cache read", "key", key, "error", err)
		}
		return nil, false
	}
	if entry.Expired(time.Now()) {
		// Treated as absent; physically removed lazily.
		_ = p.repo.Delete(ctx, key)
		return nil, false
	}
	return entry.Data, true
}

func (p *persistentTier) put(ctx context.Context, key, endpoint string, params map[string]any, data []byte) {
	p.makeRoom(ctx, int64(len(data)))

	entry := &domain.CacheEntry{
		CacheKey:    key,
		APIEndpoint: endpoint,
		Params:      params,
		Data:        data,
		ExpiresAt:   time.Now().Add(p.ttl),
	}

	err := p.repo.Put(ctx, entry)
	if errors.Is(err, domain.ErrStorageFull) {
		// Out-of-space signal: evict half (oldest first) and retry once.
		stats, statsErr := p.repo.Stats(ctx)
		if statsErr == nil {
			if _, evictErr := p.repo.DeleteOldest(ctx, stats.Entries/2); evictErr != nil {
				p.logger.Warn("emergency eviction", "error", evictErr)
			}
		}
		err = p.repo.Put(ctx, entry)
	}
	if err != nil {
		p.logger.Warn("persistent cache write", "key", key, "error", err)
	}
}

// makeRoom enforces the entry-count and byte ceilings before a write by
// evicting least-recently-updated entries until the new entry fits.
func (p *persistentTier) makeRoom(ctx context.Context, incoming int64) {
	stats, err := p.repo.Stats(ctx)
	if err != nil {
		return
	}
	overCount := stats.Entries+1 > p.maxEntries
	overBytes := stats.TotalBytes+incoming > p.maxBytes
	if !overCount && !overBytes {
		return
	}

	candidates, err := p.repo.ListForEviction(ctx, stats.Entries)
	if err != nil {
		return
	}
	entries := stats.Entries
	bytes := stats.TotalBytes
	for _, c := range candidates {
		if entries+1 <= p.maxEntries && bytes+incoming <= p.maxBytes {
			break
		}
		if err := p.repo.Delete(ctx, c.CacheKey); err != nil {
			p.logger.Warn("evict cache entry", "key", c.CacheKey, "error", err)
			continue
		}
		entries--
		bytes -= int64(len(c.Data))
	}
}
