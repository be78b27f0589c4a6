package redis

import (
	"context"
	"fmt"
	"time"

	"onvif-camera-gateway/common/config"

	"github.com/go-redis/redis/v8"
)

// Client go-redis 客户端
type Client = redis.Client

const defaultDialTimeout = 5 * time.Second

// NewRedisClient 按配置创建客户端，不发起连接
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  dial,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Connect 创建客户端并在 DialTimeout 内 Ping，失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Addr, err)
	}
	return client, nil
}

// Close 关闭客户端
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
