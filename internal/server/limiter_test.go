package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestHandshakeLimiter(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newHandshakeLimiter(2, 3, clock.Now)
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.1.1.1"), "burst %d", i)
	}
	assert.False(t, l.Allow("1.1.1.1"))
	// 各 IP 独立计数
	assert.True(t, l.Allow("2.2.2.2"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))

	// 补充不超过 burst
	clock.Advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.1.1.1"))
	}
	assert.False(t, l.Allow("1.1.1.1"))
	assert.Equal(t, 2, l.Len())
}

func TestHandshakeLimiter_IdleBucketsExpire(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newHandshakeLimiter(1, 1, clock.Now)
	defer l.Close()

	l.Allow("1.1.1.1")
	assert.Equal(t, 1, l.Len())
	clock.Advance(10 * time.Minute)
	l.buckets.Sweep()
	assert.Zero(t, l.Len())
}
