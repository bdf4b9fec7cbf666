// Package dedup guards against Telegram redelivering the same update.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "companion:update:"

// RedisGuard remembers update ids in Redis for a fixed window.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedisGuard connects to the Redis instance at url and pings it.
func NewRedisGuard(ctx context.Context, url string, ttl time.Duration, logger logrus.FieldLogger) (*RedisGuard, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", opt.Addr, err)
	}
	return newRedisGuard(client, ttl, logger), nil
}

func newRedisGuard(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	log := logger.WithField("component", "dedup")
	log.WithField("ttl", ttl).Info("Update deduplication enabled")
	return &RedisGuard{client: client, ttl: ttl, log: log}
}

// FirstSeen claims updateID. It returns false when another delivery already did.
func (g *RedisGuard) FirstSeen(ctx context.Context, updateID int64) (bool, error) {
	ok, err := g.client.SetNX(ctx, key(updateID), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim update %d: %w", updateID, err)
	}
	if !ok {
		g.log.WithField("update_id", updateID).Debug("Update already claimed")
	}
	return ok, nil
}

// Release drops the claim on updateID so the next delivery is processed.
func (g *RedisGuard) Release(ctx context.Context, updateID int64) error {
	if err := g.client.Del(ctx, key(updateID)).Err(); err != nil {
		return fmt.Errorf("failed to release update %d: %w", updateID, err)
	}
	g.log.WithField("update_id", updateID).Debug("Update claim released")
	return nil
}

// Close releases the Redis connection pool.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func key(updateID int64) string {
	return keyPrefix + strconv.FormatInt(updateID, 10)
}
