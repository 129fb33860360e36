package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ValuationRepository struct {
	pool *pgxpool.Pool
}

func NewValuationRepository(pool *pgxpool.Pool) *ValuationRepository {
	return &ValuationRepository{pool: pool}
}

const valuationColumns = `symbol, quality, reason_code, fair_value, upside, payload`

func (r *ValuationRepository) Upsert(ctx context.Context, v *domain.Valuation) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal valuation: %w", err)
	}
	var reason *string
	if v.ReasonCode != "" {
		s := string(v.ReasonCode)
		reason = &s
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO valuations (symbol, quality, reason_code, fair_value, upside, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (symbol) DO UPDATE
		SET quality     = EXCLUDED.quality,
		    reason_code = EXCLUDED.reason_code,
		    fair_value  = EXCLUDED.fair_value,
		    upside      = EXCLUDED.upside,
		    payload     = EXCLUDED.payload,
		    updated_at  = NOW()`,
		v.Symbol, v.Quality, reason, v.FairValuePerShare, v.Upside, payload)
	if err != nil {
		return fmt.Errorf("upsert valuation: %w", err)
	}
	return nil
}

func (r *ValuationRepository) GetBySymbol(ctx context.Context, symbol string) (*domain.Valuation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT payload FROM valuations WHERE symbol = $1`, symbol)
	v, err := scanValuation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrValuationNotFound
	}
	return v, err
}

func (r *ValuationRepository) ListTopUpside(ctx context.Context, limit int) ([]*domain.Valuation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payload FROM valuations
		WHERE upside IS NOT NULL
		ORDER BY upside DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top upside: %w", err)
	}
	defer rows.Close()

	var out []*domain.Valuation
	for rows.Next() {
		v, err := scanValuation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanValuation(row rowScanner) (*domain.Valuation, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var v domain.Valuation
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode valuation payload: %w", err)
	}
	return &v, nil
}
