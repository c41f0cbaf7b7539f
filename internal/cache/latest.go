// Package cache 每个用户各传感器最新读数的缓存（Dashboard 读取）
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// DefaultTTL 快照过期时间
const DefaultTTL = 10 * time.Minute

const keyPrefix = "telemetry:latest:"

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// LatestCache 每个用户一个 JSON 快照：sensor_type -> 最新读数
// 快照不存在时 Put 不创建，由下一次 Latest 从 ReadingStore 重建，避免出现不完整的快照
// kv 为 nil 时不缓存，直接读 ReadingStore
type LatestCache struct {
	kv      KVStore
	store   repository.ReadingStore
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu sync.Mutex
}

func NewLatestCache(kv KVStore, store repository.ReadingStore, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *LatestCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LatestCache{
		kv:      kv,
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
	}
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}

// Latest 用户各传感器最新读数；缓存未命中或不可用时回源
func (c *LatestCache) Latest(ctx context.Context, userID string) (map[models.SensorKind]models.SensorReading, error) {
	if c.kv == nil {
		return c.store.FindLatestPerSensor(ctx, userID)
	}
	snapshot, err := c.load(ctx, userID)
	if err == nil {
		c.metrics.CacheHit()
		return snapshot, nil
	}
	c.metrics.CacheMiss()
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("Latest reading cache unavailable, falling back to store",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	latest, err := c.store.FindLatestPerSensor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest readings: %w", err)
	}
	if err := c.save(ctx, userID, latest); err != nil {
		c.logger.Warn("Failed to refresh latest reading cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return latest, nil
}

// Put 用新读数更新快照（只接受 captured_at 不早于已缓存的读数）
func (c *LatestCache) Put(ctx context.Context, reading models.SensorReading) error {
	if c.kv == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.load(ctx, reading.UserID)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		return err
	}

	if cur, ok := snapshot[reading.SensorKind]; ok && cur.CapturedAt.After(reading.CapturedAt) {
		return nil
	}
	snapshot[reading.SensorKind] = reading
	return c.save(ctx, reading.UserID, snapshot)
}

// Invalidate 删除用户快照（如清理读数后）
func (c *LatestCache) Invalidate(ctx context.Context, userID string) error {
	if c.kv == nil {
		return nil
	}
	return c.kv.Del(ctx, cacheKey(userID))
}

func (c *LatestCache) load(ctx context.Context, userID string) (map[models.SensorKind]models.SensorReading, error) {
	raw, err := c.kv.Get(ctx, cacheKey(userID))
	if err != nil {
		return nil, err
	}
	snapshot := map[models.SensorKind]models.SensorReading{}
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		// 损坏的快照按未命中处理
		return nil, ErrCacheMiss
	}
	return snapshot, nil
}

func (c *LatestCache) save(ctx context.Context, userID string, snapshot map[models.SensorKind]models.SensorReading) error {
	if snapshot == nil {
		snapshot = map[models.SensorKind]models.SensorReading{}
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, cacheKey(userID), string(b), c.ttl)
}
