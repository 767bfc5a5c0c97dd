// 文件: pkg/order/cache.go
// 订单查询 Redis 缓存层
//
// 装饰器：包装 Fetcher，读先查 Redis，miss 则查底层并回填（TTL 很短）
// 缓存只用于减轻订单簿侧的回查压力，撮合永远以订单簿内的订单为准

package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"simex.com/pkg/mtrade"
)

var _ Fetcher = (*CachedFetcher)(nil)

const (
	// 单个订单: simex:order:{id}
	cacheKeyOrder = "simex:order:%d"
)

type CachedFetcher struct {
	fetcher Fetcher
	redis   *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

func NewCachedFetcher(fetcher Fetcher, rds *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFetcher{
		fetcher: fetcher,
		redis:   rds,
		ttl:     ttl,
		logger:  logger.Named("order_cache"),
	}
}

func (c *CachedFetcher) FetchOrder(ctx context.Context, orderID int64) (*mtrade.Order, error) {
	key := fmt.Sprintf(cacheKeyOrder, orderID)

	// 1. 查缓存
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var o mtrade.Order
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	// 2. 查底层
	o, err := c.fetcher.FetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// 3. 回填（终态订单不会再变，活跃订单也只缓存 ttl）
	if data, err := json.Marshal(o); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("[OrderCache] set failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	return o, nil
}

// Invalidate 订单变更后删除缓存
func (c *CachedFetcher) Invalidate(ctx context.Context, orderID int64) error {
	return c.redis.Del(ctx, fmt.Sprintf(cacheKeyOrder, orderID)).Err()
}
