package server

import (
	"sync"
	"time"

	"github.com/tokmz/qim/pkg/ttlmap"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// handshakeLimiter 按客户端 IP 限制握手频率，空闲桶随 TTL 过期
type handshakeLimiter struct {
	rate    float64
	burst   float64
	now     func() time.Time
	buckets *ttlmap.Map[string, *tokenBucket]
}

func newHandshakeLimiter(rate float64, burst int, now func() time.Time) *handshakeLimiter {
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	// 桶补满后即可丢弃
	idle := time.Duration(float64(burst)/rate*float64(time.Second)) + time.Minute
	return &handshakeLimiter{
		rate:  rate,
		burst: float64(burst),
		now:   now,
		buckets: ttlmap.New[string, *tokenBucket](
			ttlmap.WithDefaultTTL(idle),
			ttlmap.WithMaxEntries(100000),
			ttlmap.WithSweepInterval(time.Minute),
			ttlmap.WithClock(now),
		),
	}
}

// Allow 消耗一个令牌
func (l *handshakeLimiter) Allow(key string) bool {
	now := l.now()
	b, _ := l.buckets.GetOrSet(key, &tokenBucket{tokens: l.burst, lastRefill: now})
	l.buckets.Touch(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += now.Sub(b.lastRefill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (l *handshakeLimiter) Len() int { return l.buckets.Len() }

func (l *handshakeLimiter) Close() { l.buckets.Close() }
