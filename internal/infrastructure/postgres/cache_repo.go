package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CacheRepository struct {
	pool *pgxpool.Pool
}

func NewCacheRepository(pool *pgxpool.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

const cacheColumns = `cache_key, api_endpoint, params, data, created_at, updated_at, expires_at`

func (r *CacheRepository) Get(ctx context.Context, cacheKey string) (*domain.CacheEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries
		WHERE cache_key = $1 AND expires_at > NOW()`, cacheKey)
	entry, err := scanCacheEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	return entry, err
}

func (r *CacheRepository) Put(ctx context.Context, entry *domain.CacheEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cache_entries (cache_key, api_endpoint, params, data, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), $5)
		ON CONFLICT (cache_key) DO UPDATE
		SET api_endpoint = EXCLUDED.api_endpoint,
		    params       = EXCLUDED.params,
		    data         = EXCLUDED.data,
		    updated_at   = NOW(),
		    expires_at   = EXCLUDED.expires_at`,
		entry.CacheKey, entry.APIEndpoint, jsonb(entry.Params), entry.Data, entry.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 53100 disk_full, 53200 out_of_memory.
		if errors.As(err, &pgErr) && (pgErr.Code == "53100" || pgErr.Code == "53200") {
			return domain.ErrStorageFull
		}
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (r *CacheRepository) Delete(ctx context.Context, cacheKey string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE cache_key = $1`, cacheKey)
	return err
}

func (r *CacheRepository) ListForEviction(ctx context.Context, limit int) ([]*domain.CacheEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries
		ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list for eviction: %w", err)
	}
	defer rows.Close()

	var entries []*domain.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *CacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *CacheRepository) DeleteOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE cache_key IN (
			SELECT cache_key FROM cache_entries ORDER BY created_at ASC LIMIT $1
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *CacheRepository) DeleteOrphans(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM cache_entries
		WHERE cache_key = '' OR expires_at IS NULL OR data IS NULL OR length(data) = 0`)
	if err != nil {
		return 0, fmt.Errorf("delete orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *CacheRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `TRUNCATE cache_entries`)
	return err
}

func (r *CacheRepository) Stats(ctx context.Context) (*repository.CacheStats, error) {
	stats := &repository.CacheStats{}
	var oldest *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length(data)), 0), MIN(created_at)
		FROM cache_entries`).Scan(&stats.Entries, &stats.TotalBytes, &oldest)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	if oldest != nil {
		stats.OldestAge = time.Since(*oldest)
	}
	return stats, nil
}

func (r *CacheRepository) GetVersion(ctx context.Context) (string, error) {
	var version string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM cache_meta WHERE key = 'version'`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return version, err
}

func (r *CacheRepository) SetVersion(ctx context.Context, version string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cache_meta (key, value) VALUES ('version', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, version)
	return err
}

func scanCacheEntry(row rowScanner) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	var params []byte
	err := row.Scan(
		&entry.CacheKey,
		&entry.APIEndpoint,
		&params,
		&entry.Data,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &entry.Params)
	}
	return &entry, nil
}
