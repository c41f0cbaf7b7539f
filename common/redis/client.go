// Package redis 周期锁、最新读数缓存、事件流共用的 Redis 连接与 Streams 工具
package redis

import (
	"context"
	"fmt"
	"time"

	"watchmyparent-telemetry/common/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 周期锁的 SET NX / 释放脚本都是单次往返，超时取短值；
// 事件流使用 XREADGROUP BLOCK，由调用方的 ctx 控制
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
)

func options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

// Connect 创建客户端并确认可达；失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(options(cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)
	return client, nil
}

// Close nil 安全
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
