package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLedger(DefaultTable(), WithClock(clock.Now))
	t.Cleanup(l.Close)
	return l, clock
}

func TestTryAcceptWithinInterval(t *testing.T) {
	l, clock := newLedger(t)

	_, ok := l.TryAccept("alice", "join-room")
	require.True(t, ok)

	clock.Advance(400 * time.Millisecond)
	retry, ok := l.TryAccept("alice", "join-room")
	assert.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, retry)

	clock.Advance(600 * time.Millisecond)
	_, ok = l.TryAccept("alice", "join-room")
	assert.True(t, ok)
}

// TestRejectionDoesNotUpdateLedger 被拒绝的请求不能推迟下一次放行时间
func TestRejectionDoesNotUpdateLedger(t *testing.T) {
	l, clock := newLedger(t)

	_, ok := l.TryAccept("alice", "typing-start")
	require.True(t, ok)

	for i := 0; i < 4; i++ {
		clock.Advance(100 * time.Millisecond)
		_, ok = l.TryAccept("alice", "typing-start")
		assert.False(t, ok)
	}

	clock.Advance(100 * time.Millisecond)
	_, ok = l.TryAccept("alice", "typing-start")
	assert.True(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newLedger(t)

	_, ok := l.TryAccept("alice", "send-message")
	require.True(t, ok)

	_, ok = l.TryAccept("bob", "send-message")
	assert.True(t, ok)
	_, ok = l.TryAccept("alice", "mark-read")
	assert.True(t, ok)
	_, ok = l.TryAccept("alice", "send-message")
	assert.False(t, ok)
}

func TestUnknownKindAlwaysAccepted(t *testing.T) {
	l, _ := newLedger(t)
	for i := 0; i < 3; i++ {
		_, ok := l.TryAccept("alice", "custom")
		assert.True(t, ok)
	}
	assert.Equal(t, 0, l.Len())
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	l, clock := newLedger(t)

	l.TryAccept("alice", "sync-state")
	clock.Advance(20 * time.Minute)
	l.TryAccept("bob", "sync-state")
	clock.Advance(10 * time.Minute)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestSetIntervals(t *testing.T) {
	l, clock := newLedger(t)

	l.SetIntervals(Table{"status-change": 100 * time.Millisecond})
	_, ok := l.TryAccept("alice", "status-change")
	require.True(t, ok)
	clock.Advance(100 * time.Millisecond)
	_, ok = l.TryAccept("alice", "status-change")
	assert.True(t, ok)

	// 从表中移除的事件不再限流
	_, ok = l.TryAccept("alice", "join-room")
	assert.True(t, ok)
	_, ok = l.TryAccept("alice", "join-room")
	assert.True(t, ok)

	assert.Equal(t, Table{"status-change": 100 * time.Millisecond}, l.Intervals())
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, 5*time.Second, table["sync-state"])
	assert.Equal(t, time.Second, table["join-room"])
	assert.Equal(t, 200*time.Millisecond, table["send-message"])
	assert.Equal(t, 500*time.Millisecond, table["typing-start"])
	assert.Equal(t, 2*time.Second, table["status-change"])
}
