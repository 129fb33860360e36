package repository

import (
	"context"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

// ValuationRepository persists per-symbol valuation results. One row per
// symbol; a new scan overwrites the previous result.
type ValuationRepository interface {
	Upsert(ctx context.Context, v *domain.Valuation) error
	GetBySymbol(ctx context.Context, symbol string) (*domain.Valuation, error)
	ListTopUpside(ctx context.Context, limit int) ([]*domain.Valuation, error)
}
