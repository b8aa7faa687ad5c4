/**
 * @description
 * Redis connection manager using go-redis.
 * Used for the pipeline run lock, the current-signal cache, and signal pub/sub.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 * - github.com/alicebob/miniredis/v2: in-process fallback for one-shot commands
 */

package db

import (
	"context"
	"fmt"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes the Redis client and verifies it with a ping
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("%s is empty", "KALBOT_REDIS_URL")
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	applyRedisDefaults(opt)

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, opt.DialTimeout)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("✅ Connected to Redis")
	return client, nil
}

// ConnectRedisOrEmbedded falls back to an in-process miniredis when no URL is configured.
// The returned cleanup func closes both the client and the embedded server.
func ConnectRedisOrEmbedded(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	if cfg.Redis.URL != "" {
		client, err := ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start in-memory redis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger.Warn("KALBOT_REDIS_URL empty; using in-memory redis at %s", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func applyRedisDefaults(opt *redis.Options) {
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = 5 * time.Second
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.PoolTimeout == 0 {
		opt.PoolTimeout = 5 * time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 2
	}
	if opt.MinRetryBackoff == 0 {
		opt.MinRetryBackoff = 200 * time.Millisecond
	}
	if opt.MaxRetryBackoff == 0 {
		opt.MaxRetryBackoff = 2 * time.Second
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 10
	}
	if opt.MinIdleConns == 0 {
		opt.MinIdleConns = 2
	}
}
