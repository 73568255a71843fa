// Package cache keeps recently read order balances in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safar/order-settlement/internal/config"
	"github.com/safar/order-settlement/internal/ledger"
)

// order_balance:{order_id} -> ledger.Summary as JSON
const KeyOrderBalance = "order_balance:%d"

var DefaultBalanceTTL = 5 * time.Minute

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// BalanceCache never fails its caller: Redis errors are logged and read as a miss.
type BalanceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewBalanceCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &BalanceCache{rdb: rdb, ttl: ttl, logger: logger}
}

func key(orderID int64) string {
	return fmt.Sprintf(KeyOrderBalance, orderID)
}

func (c *BalanceCache) Get(ctx context.Context, orderID int64) (ledger.Summary, bool) {
	b, err := c.rdb.Get(ctx, key(orderID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "balance cache read failed", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
		return ledger.Summary{}, false
	}

	var s ledger.Summary
	if err := json.Unmarshal(b, &s); err != nil {
		c.logger.WarnContext(ctx, "balance cache entry corrupt", slog.Int64("order_id", orderID), slog.Any("error", err))
		return ledger.Summary{}, false
	}
	return s, true
}

func (c *BalanceCache) Set(ctx context.Context, orderID int64, s ledger.Summary) {
	b, err := json.Marshal(s)
	if err != nil {
		c.logger.WarnContext(ctx, "encode balance", slog.Int64("order_id", orderID), slog.Any("error", err))
		return
	}
	if err := c.rdb.Set(ctx, key(orderID), b, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "balance cache write failed", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
}

func (c *BalanceCache) Invalidate(ctx context.Context, orderID int64) {
	if err := c.rdb.Del(ctx, key(orderID)).Err(); err != nil {
		c.logger.WarnContext(ctx, "balance cache invalidate failed", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
}
