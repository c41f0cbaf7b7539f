package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"watchmyparent-telemetry/internal/cache"
	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func insert(t *testing.T, store repository.ReadingStore, kind models.SensorKind, value float64, at time.Time) models.SensorReading {
	t.Helper()
	r := models.SensorReading{UserID: "u-1", SensorKind: kind, Value: value, Unit: "x", CapturedAt: at, DeviceID: "watch-1"}
	id, err := store.Insert(context.Background(), r)
	require.NoError(t, err)
	r.ID = id
	return r
}

func TestLatestCache_MissFallsBackAndPopulates(t *testing.T) {
	kv := newFakeKVStore()
	store := repository.NewMemoryReadingStore()
	insert(t, store, models.SensorHeartRate, 70, t0)
	insert(t, store, models.SensorHeartRate, 75, t0.Add(time.Minute))
	c := cache.NewLatestCache(kv, store, 0, metrics.New(), zap.NewNop())
	ctx := context.Background()

	latest, err := c.Latest(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, latest[models.SensorHeartRate].Value)

	_, err = kv.Get(ctx, "telemetry:latest:u-1")
	require.NoError(t, err)

	// 之后的写入不经过 store，命中缓存仍返回旧快照
	insert(t, store, models.SensorHeartRate, 90, t0.Add(2*time.Minute))
	latest, err = c.Latest(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, latest[models.SensorHeartRate].Value)
}

func TestLatestCache_PutUpdatesExistingSnapshot(t *testing.T) {
	kv := newFakeKVStore()
	store := repository.NewMemoryReadingStore()
	insert(t, store, models.SensorSteps, 100, t0)
	c := cache.NewLatestCache(kv, store, time.Minute, nil, zap.NewNop())
	ctx := context.Background()

	_, err := c.Latest(ctx, "u-1")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, models.SensorReading{UserID: "u-1", SensorKind: models.SensorSteps, Value: 250, CapturedAt: t0.Add(time.Hour)}))
	require.NoError(t, c.Put(ctx, models.SensorReading{UserID: "u-1", SensorKind: models.SensorSleep, Value: 420, CapturedAt: t0}))
	// 更早的读数不覆盖
	require.NoError(t, c.Put(ctx, models.SensorReading{UserID: "u-1", SensorKind: models.SensorSteps, Value: 1, CapturedAt: t0.Add(-time.Hour)}))

	latest, err := c.Latest(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, latest[models.SensorSteps].Value)
	assert.Equal(t, 420.0, latest[models.SensorSleep].Value)
}

func TestLatestCache_PutWithoutSnapshotIsNoop(t *testing.T) {
	kv := newFakeKVStore()
	store := repository.NewMemoryReadingStore()
	c := cache.NewLatestCache(kv, store, 0, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, models.SensorReading{UserID: "u-1", SensorKind: models.SensorSteps, Value: 5, CapturedAt: t0}))
	_, err := kv.Get(ctx, "telemetry:latest:u-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestLatestCache_KVErrorFallsBack(t *testing.T) {
	kv := newFakeKVStore()
	kv.err = errors.New("connection refused")
	store := repository.NewMemoryReadingStore()
	insert(t, store, models.SensorWeight, 64.5, t0)
	c := cache.NewLatestCache(kv, store, 0, nil, zap.NewNop())

	latest, err := c.Latest(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 64.5, latest[models.SensorWeight].Value)

	assert.Error(t, c.Put(context.Background(), models.SensorReading{UserID: "u-1", SensorKind: models.SensorWeight, CapturedAt: t0}))
}

func TestLatestCache_Invalidate(t *testing.T) {
	kv := newFakeKVStore()
	store := repository.NewMemoryReadingStore()
	c := cache.NewLatestCache(kv, store, 0, nil, zap.NewNop())
	ctx := context.Background()

	_, err := c.Latest(ctx, "u-1")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "u-1"))
	_, err = kv.Get(ctx, "telemetry:latest:u-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisKVStore(t *testing.T) {
	mr, client := setupTestRedis(t)
	kv := cache.NewRedisKVStore(client)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	mr.FastForward(2 * time.Minute)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "k2", "v", 0))
	require.NoError(t, kv.Del(ctx, "k2"))
	assert.False(t, mr.Exists("k2"))
}

func TestLatestCache_WithRedis(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := repository.NewMemoryReadingStore()
	insert(t, store, models.SensorBloodOxygen, 97, t0)
	c := cache.NewLatestCache(cache.NewRedisKVStore(client), store, time.Minute, nil, zap.NewNop())

	latest, err := c.Latest(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 97.0, latest[models.SensorBloodOxygen].Value)
	assert.True(t, mr.Exists("telemetry:latest:u-1"))
	assert.True(t, mr.TTL("telemetry:latest:u-1") > 0)
}

func TestLatestCache_WithoutKV(t *testing.T) {
	store := repository.NewMemoryReadingStore()
	insert(t, store, models.SensorStress, 30, t0)
	c := cache.NewLatestCache(nil, store, 0, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, models.SensorReading{UserID: "u-1", SensorKind: models.SensorStress, Value: 99, CapturedAt: t0.Add(time.Hour)}))
	latest, err := c.Latest(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, latest[models.SensorStress].Value)
	assert.NoError(t, c.Invalidate(ctx, "u-1"))
}
