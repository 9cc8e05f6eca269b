package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the latest known status per order for fast reads. The
// database stays the source of truth; entries expire after TTLStatusCache.
type StatusCache struct {
	rdb *redis.Client
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb}
}

type cachedStatus struct {
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (c *StatusCache) Set(ctx context.Context, orderID string, s orders.Status) error {
	b, err := json.Marshal(cachedStatus{Status: s, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

// Get returns ok=false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (orders.Status, bool, error) {
	s, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var cs cachedStatus
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return "", false, fmt.Errorf("decode cached status: %w", err)
	}
	return cs.Status, true, nil
}

func (c *StatusCache) Delete(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}
