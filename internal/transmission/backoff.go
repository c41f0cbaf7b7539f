package transmission

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 30 * time.Minute
	// DefaultJitter 最多额外增加 25%
	DefaultJitter = 0.25
)

// Backoff 指数退避：base * 2^(attempt-1)，加抖动后再截断到 Max
// 抖动不超过 100% 时，未触顶前第 N+1 次的最小延迟大于第 N 次的最大延迟
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu   sync.Mutex
	rand func() float64
}

// NewBackoff 创建退避策略；非法参数回落到默认值
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = DefaultBackoffMax
		if max < base {
			max = base
		}
	}
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: DefaultJitter,
		rand:   src.Float64,
	}
}

// Delay 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 {
			return b.Max
		}
	}

	if b.Jitter > 0 && b.rand != nil {
		b.mu.Lock()
		r := b.rand()
		b.mu.Unlock()
		delay += time.Duration(float64(delay) * b.Jitter * r)
	}

	if delay > b.Max || delay <= 0 {
		return b.Max
	}
	return delay
}

// NextEligibleAt now + Delay(attempt)
func (b *Backoff) NextEligibleAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
