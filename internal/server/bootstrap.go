package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/config"
)

// redisPingTimeout 限制启动时 Redis 连通性检查的耗时。
const redisPingTimeout = 5 * time.Second

// NewStorage 按 StorageDriver 构建缓存后端；redis 驱动会在启动时 PING 一次，
// 连接失败直接返回错误，避免服务带着不可用的缓存启动。
func NewStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Cache.StorageDriver {
	case config.StorageDriverFS, "":
		return cache.NewFileStorage(cfg.Cache.StoragePath)
	case config.StorageDriverMemory:
		return cache.NewMemoryStorage(cfg.Cache.MemoryCapacity)
	case config.StorageDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return cache.NewRedisStorage(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Cache.StorageDriver)
	}
}
