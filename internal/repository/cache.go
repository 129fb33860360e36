package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

// CacheStats summarizes the persistent cache tier.
type CacheStats struct {
	Entries    int
	TotalBytes int64
	OldestAge  time.Duration
}

// CacheRepository is the persistent cache tier contract. The document store
// is one implementation; a file-backed KV would be another. Writes are
// advisory: callers never propagate cache failures.
type CacheRepository interface {
	Get(ctx context.Context, cacheKey string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	Delete(ctx context.Context, cacheKey string) error

	// ListForEviction returns up to limit entries ordered oldest-first by
	// last update, for the LRU approximation.
	ListForEviction(ctx context.Context, limit int) ([]*domain.CacheEntry, error)

	// DeleteExpired removes entries with expiresAt <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// DeleteOldest removes the n oldest entries by createdAt.
	DeleteOldest(ctx context.Context, n int) (int, error)

	// DeleteOrphans removes entries missing required fields.
	DeleteOrphans(ctx context.Context) (int, error)

	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*CacheStats, error)

	// Version tag guards the on-disk format; a mismatch at open time clears
	// the whole tier.
	GetVersion(ctx context.Context) (string, error)
	SetVersion(ctx context.Context, version string) error
}
