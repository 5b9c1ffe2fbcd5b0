package ttlmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder 记录淘汰回调
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) fn(key string, value int, reason EvictReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, key+":"+string(reason))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestSetGetDelete(t *testing.T) {
	m := New[string, int]()
	rec := &recorder{}
	m.OnEvict(rec.fn)

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, m.Len())

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a:manual"}, rec.list())
}

// TestTTLExpiry 不同容量配置下，条目在 TTL 内可读、过期后不可读并触发回调
func TestTTLExpiry(t *testing.T) {
	for _, capacity := range []int{1, 2, 16} {
		clock := newFakeClock()
		m := New[string, int](WithMaxEntries(capacity), WithClock(clock.Now))
		rec := &recorder{}
		m.OnEvict(rec.fn)

		m.SetWithTTL("k", 7, time.Second)

		clock.Advance(999 * time.Millisecond)
		v, ok := m.Get("k")
		require.True(t, ok, "capacity %d", capacity)
		assert.Equal(t, 7, v)

		clock.Advance(time.Millisecond)
		_, ok = m.Get("k")
		assert.False(t, ok, "capacity %d", capacity)
		assert.Equal(t, []string{"k:ttl_expired"}, rec.list(), "capacity %d", capacity)
		assert.Equal(t, 0, m.Len())
	}
}

func TestCapacityEvictsInInsertionOrder(t *testing.T) {
	m := New[string, int](WithMaxEntries(2))
	rec := &recorder{}
	m.OnEvict(rec.fn)

	m.Set("a", 1)
	m.Set("b", 2)
	// 读取不影响淘汰顺序
	_, _ = m.Get("a")
	m.Set("c", 3)

	assert.Equal(t, []string{"b", "c"}, m.Keys())
	assert.Equal(t, []string{"a:capacity_exceeded"}, rec.list())

	// 覆盖写入视为重新插入
	m.Set("b", 20)
	m.Set("d", 4)
	assert.Equal(t, []string{"b", "d"}, m.Keys())
	assert.Equal(t, []string{"a:capacity_exceeded", "c:capacity_exceeded"}, rec.list())
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	m := New[string, int](WithDefaultTTL(time.Minute), WithClock(clock.Now))
	rec := &recorder{}
	m.OnEvict(rec.fn)

	m.Set("a", 1)
	m.SetWithTTL("forever", 2, -1)
	clock.Advance(30 * time.Second)
	m.Set("b", 3)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, []string{"forever", "b"}, m.Keys())
	assert.Equal(t, []string{"a:ttl_expired"}, rec.list())
}

func TestBackgroundSweep(t *testing.T) {
	m := New[string, int](WithDefaultTTL(10*time.Millisecond), WithSweepInterval(5*time.Millisecond))
	defer m.Close()

	evicted := make(chan string, 1)
	m.OnEvict(func(key string, _ int, reason EvictReason) {
		if reason == ReasonExpired {
			evicted <- key
		}
	})
	m.Set("x", 1)

	select {
	case key := <-evicted:
		assert.Equal(t, "x", key)
	case <-time.After(time.Second):
		t.Fatal("background sweep did not evict expired entry")
	}
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	m := New[string, int](WithDefaultTTL(time.Minute), WithClock(clock.Now))

	m.Set("a", 1)
	clock.Advance(50 * time.Second)
	assert.True(t, m.Touch("a"))
	clock.Advance(50 * time.Second)
	_, ok := m.Get("a")
	assert.True(t, ok)

	assert.False(t, m.Touch("missing"))
}

func TestGetOrSet(t *testing.T) {
	m := New[string, int]()

	v, loaded := m.GetOrSet("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = m.GetOrSet("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
}

func TestCompute(t *testing.T) {
	m := New[string, int]()
	rec := &recorder{}
	m.OnEvict(rec.fn)

	incr := func(old int, exists bool) (int, ComputeOp) {
		return old + 1, OpStore
	}
	m.Compute("n", incr)
	v, ok := m.Compute("n", incr)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// OpKeep 不修改条目
	v, ok = m.Compute("n", func(old int, exists bool) (int, ComputeOp) {
		return 100, OpKeep
	})
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// OpDelete 删除条目
	_, ok = m.Compute("n", func(old int, exists bool) (int, ComputeOp) {
		return 0, OpDelete
	})
	assert.False(t, ok)
	_, ok = m.Get("n")
	assert.False(t, ok)
	assert.Equal(t, []string{"n:manual"}, rec.list())
}

func TestComputeKeepPreservesOrder(t *testing.T) {
	m := New[string, int](WithMaxEntries(2))
	m.Set("a", 1)
	m.Set("b", 2)
	m.Compute("a", func(old int, exists bool) (int, ComputeOp) { return old, OpKeep })
	m.Set("c", 3)

	assert.Equal(t, []string{"b", "c"}, m.Keys())
}

func TestCompareAndDelete(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)

	assert.False(t, m.CompareAndDelete("a", func(v int) bool { return v == 2 }))
	assert.True(t, m.CompareAndDelete("a", func(v int) bool { return v == 1 }))
	assert.Equal(t, 0, m.Len())
}

func TestRangeStops(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	var seen []string
	m.Range(func(key string, _ int) bool {
		seen = append(seen, key)
		return len(seen) < 2
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int](WithMaxEntries(64))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m.Set(base*1000+j, j)
				m.Get(base*1000 + j - 1)
				m.Compute(j%10, func(old int, _ bool) (int, ComputeOp) { return old + 1, OpStore })
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 64)
}
