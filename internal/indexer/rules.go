package indexer

import "github.com/ErlanBelekov/market-scanner/internal/domain"

// DefaultRules declares every index the scanner requires. Retention is
// handled by maintenance, so no TTL semantics are encoded here beyond the
// cache expiry index.
func DefaultRules() []domain.IndexRule {
	return []domain.IndexRule{
		{
			Collection: "job_records",
			Fields:     []domain.IndexField{{Name: "name", Direction: 1}},
			Priority:   domain.IndexCritical,
		},
		{
			Collection: "job_records",
			Fields:     []domain.IndexField{{Name: "status", Direction: 1}},
			Priority:   domain.IndexCritical,
		},
		{
			Collection: "job_records",
			Fields:     []domain.IndexField{{Name: "scheduled_at", Direction: -1}},
			Priority:   domain.IndexHigh,
		},
		{
			Collection: "job_records",
			Fields: []domain.IndexField{
				{Name: "name", Direction: 1},
				{Name: "scheduled_at", Direction: -1},
			},
			Priority: domain.IndexHigh,
		},
		{
			Collection: "job_records",
			Fields: []domain.IndexField{
				{Name: "status", Direction: 1},
				{Name: "scheduled_at", Direction: -1},
			},
			Priority: domain.IndexMedium,
		},
		{
			Collection: "cache_entries",
			Fields:     []domain.IndexField{{Name: "cache_key", Direction: 1}},
			Options:    domain.IndexOptions{Unique: true, Name: "cache_entries_cache_key_uniq"},
			Priority:   domain.IndexCritical,
		},
		{
			Collection: "cache_entries",
			Fields:     []domain.IndexField{{Name: "expires_at", Direction: 1}},
			Priority:   domain.IndexHigh,
		},
		{
			Collection: "cache_entries",
			Fields:     []domain.IndexField{{Name: "updated_at", Direction: 1}},
			Priority:   domain.IndexLow,
		},
		{
			Collection: "valuations",
			Fields:     []domain.IndexField{{Name: "symbol", Direction: 1}},
			Options:    domain.IndexOptions{Unique: true, Name: "valuations_symbol_uniq"},
			Priority:   domain.IndexCritical,
		},
		{
			Collection: "valuations",
			Fields:     []domain.IndexField{{Name: "upside", Direction: -1}},
			Priority:   domain.IndexMedium,
		},
	}
}
