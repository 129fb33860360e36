package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IndexStore implements indexer.Store over pg_indexes.
type IndexStore struct {
	pool *pgxpool.Pool
}

func NewIndexStore(pool *pgxpool.Pool) *IndexStore {
	return &IndexStore{pool: pool}
}

var indexColumnsRe = regexp.MustCompile(`\(([^)]+)\)`)

// ListIndexKeys normalizes pg_indexes definitions into domain.IndexRule key
// form so rule equality works across stores.
func (s *IndexStore) ListIndexKeys(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT indexdef FROM pg_indexes WHERE schemaname = 'public' AND tablename = $1`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("list indexes for %s: %w", collection, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		if key, ok := normalizeIndexDef(collection, def); ok {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func (s *IndexStore) CreateIndex(ctx context.Context, rule domain.IndexRule) error {
	cols := make([]string, len(rule.Fields))
	for i, f := range rule.Fields {
		dir := "ASC"
		if f.Direction < 0 {
			dir = "DESC"
		}
		cols[i] = fmt.Sprintf("%s %s", f.Name, dir)
	}

	name := rule.Options.Name
	if name == "" {
		parts := make([]string, len(rule.Fields))
		for i, f := range rule.Fields {
			parts[i] = f.Name
		}
		name = fmt.Sprintf("%s_%s_idx", rule.Collection, strings.Join(parts, "_"))
	}

	unique := ""
	if rule.Options.Unique {
		unique = "UNIQUE "
	}

	// IF NOT EXISTS makes concurrent ensure passes race-safe.
	query := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, name, rule.Collection, strings.Join(cols, ", "))
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	return nil
}

// normalizeIndexDef extracts the column list from a CREATE INDEX definition
// and renders it as "collection/col:dir,..." with sorted fields, matching
// domain.IndexRule.Key.
func normalizeIndexDef(collection, def string) (string, bool) {
	match := indexColumnsRe.FindStringSubmatch(def)
	if match == nil {
		return "", false
	}
	var parts []string
	for _, raw := range strings.Split(match[1], ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		dir := "1"
		if strings.Contains(strings.ToUpper(raw), " DESC") {
			dir = "-1"
		}
		col := strings.Fields(raw)[0]
		parts = append(parts, col+":"+dir)
	}
	if len(parts) == 0 {
		return "", false
	}
	sort.Strings(parts)
	return collection + "/" + strings.Join(parts, ","), true
}
