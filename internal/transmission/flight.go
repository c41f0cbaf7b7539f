package transmission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// FlightGuard 同一 key（user_id）同时只允许一个编排周期
type FlightGuard interface {
	// TryAcquire 获取成功返回 release；已被占用时 ok=false
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalFlightGuard 进程内互斥
type LocalFlightGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewLocalFlightGuard() *LocalFlightGuard {
	return &LocalFlightGuard{inFlight: map[string]struct{}{}}
}

func (g *LocalFlightGuard) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[key]; busy {
		return nil, false, nil
	}
	g.inFlight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, key)
			g.mu.Unlock()
		})
	}, true, nil
}

// releaseScript 仅当 token 匹配时删除，避免释放他人的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisFlightGuard 多实例部署时的分布式互斥（SET NX PX + token）
// TTL 需大于一个周期的最长耗时，进程崩溃后锁自动过期
type RedisFlightGuard struct {
	redisClient *redis.Client
	prefix      string
	ttl         time.Duration
}

func NewRedisFlightGuard(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisFlightGuard {
	if prefix == "" {
		prefix = "telemetry:cycle:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisFlightGuard{
		redisClient: redisClient,
		prefix:      prefix,
		ttl:         ttl,
	}
}

func (g *RedisFlightGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	lockKey := g.prefix + key
	token := uuid.NewString()

	ok, err := g.redisClient.SetNX(ctx, lockKey, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 调用方的 ctx 可能已取消，释放使用独立的短超时
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, g.redisClient, []string{lockKey}, token).Err()
		})
	}, true, nil
}
