package domain

import (
	"errors"
	"time"
)

var (
	ErrCacheMiss    = errors.New("cache entry not found or expired")
	ErrCacheTooBig  = errors.New("cache entry exceeds the size ceiling")
	ErrStorageFull  = errors.New("cache storage is out of space")
	ErrCacheCorrupt = errors.New("cache entry is missing required fields")
)

// CacheEntry is one persisted vendor response, keyed by the deterministic
// cache key derived from method, endpoint, and hashed parameters.
type CacheEntry struct {
	CacheKey    string         `json:"cacheKey"`
	APIEndpoint string         `json:"apiEndpoint"`
	Params      map[string]any `json:"params,omitempty"`
	Data        []byte         `json:"data"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// Expired reports whether the entry must be treated as absent by readers,
// even before physical eviction.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Orphaned reports whether the entry is missing a required field and should
// be swept by maintenance.
func (e *CacheEntry) Orphaned() bool {
	return e.CacheKey == "" || e.ExpiresAt.IsZero() || len(e.Data) == 0
}
