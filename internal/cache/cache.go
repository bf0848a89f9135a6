package cache

import (
	"context"
	"time"

	"kasirledger/internal/domain"
)

// SaleCache holds committed sales by id. Sales are immutable once written,
// so entries never need invalidation.
type SaleCache interface {
	Get(ctx context.Context, id int64) (*domain.Sale, bool, error)
	Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ int64) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ *domain.Sale, _ time.Duration) error {
	return nil
}
