package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirledger/internal/domain"
)

const saleKeyPrefix = "kasirledger:sale:"

type RedisSaleCache struct {
	client *redis.Client
}

func NewRedisSaleCache(client *redis.Client) *RedisSaleCache {
	return &RedisSaleCache{client: client}
}

func saleKey(id int64) string {
	return saleKeyPrefix + strconv.FormatInt(id, 10)
}

func (c *RedisSaleCache) Get(ctx context.Context, id int64) (*domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sale domain.Sale
	if err := json.Unmarshal(val, &sale); err != nil {
		return nil, false, err
	}
	return &sale, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error {
	if sale == nil || sale.ID <= 0 {
		return nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKey(sale.ID), payload, ttl).Err()
}
