package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// PriceTickStore implements domain.PriceTickStore using PostgreSQL.
type PriceTickStore struct {
	pool *pgxpool.Pool
}

// NewPriceTickStore creates a new PriceTickStore backed by the given pool.
func NewPriceTickStore(pool *pgxpool.Pool) *PriceTickStore {
	return &PriceTickStore{pool: pool}
}

// Insert appends a sampled feed price.
func (s *PriceTickStore) Insert(ctx context.Context, t domain.PriceTick) error {
	const query = `INSERT INTO price_ticks (symbol, price, provider) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, t.Symbol, t.Price, t.Provider); err != nil {
		return fmt.Errorf("postgres: insert price tick: %w", err)
	}
	return nil
}

// Latest returns the most recent tick.
func (s *PriceTickStore) Latest(ctx context.Context) (domain.PriceTick, error) {
	var t domain.PriceTick
	err := s.pool.QueryRow(ctx, `
		SELECT id, symbol, price, provider, created_at
		FROM price_ticks ORDER BY created_at DESC LIMIT 1`,
	).Scan(&t.ID, &t.Symbol, &t.Price, &t.Provider, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PriceTick{}, domain.ErrNotFound
		}
		return domain.PriceTick{}, fmt.Errorf("postgres: latest price tick: %w", err)
	}
	return t, nil
}

var _ domain.PriceTickStore = (*PriceTickStore)(nil)
