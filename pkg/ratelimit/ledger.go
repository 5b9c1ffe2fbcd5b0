package ratelimit

import (
	"sync"
	"time"

	"github.com/tokmz/qim/pkg/ttlmap"
)

// DefaultRetention 账本条目保留时间
const DefaultRetention = 30 * time.Minute

// Table 事件类型 -> 最小间隔
type Table map[string]time.Duration

// DefaultTable 默认限流表
func DefaultTable() Table {
	return Table{
		"sync-state":    5000 * time.Millisecond,
		"join-room":     1000 * time.Millisecond,
		"leave-room":    1000 * time.Millisecond,
		"send-message":  200 * time.Millisecond,
		"mark-read":     200 * time.Millisecond,
		"typing-start":  500 * time.Millisecond,
		"typing-stop":   200 * time.Millisecond,
		"status-change": 2000 * time.Millisecond,
	}
}

// Clone 复制限流表
func (t Table) Clone() Table {
	c := make(Table, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Ledger 按 (身份, 事件类型) 记录最近一次被接受的时间
type Ledger struct {
	entries *ttlmap.Map[string, time.Time]
	now     func() time.Time

	mu        sync.RWMutex
	intervals Table
}

// Option 账本选项
type Option func(*ledgerConfig)

type ledgerConfig struct {
	retention     time.Duration
	maxEntries    int
	sweepInterval time.Duration
	now           func() time.Time
}

// WithRetention 设置条目保留时间
func WithRetention(d time.Duration) Option {
	return func(c *ledgerConfig) {
		c.retention = d
	}
}

// WithMaxEntries 设置最大条目数
func WithMaxEntries(n int) Option {
	return func(c *ledgerConfig) {
		c.maxEntries = n
	}
}

// WithSweepInterval 设置后台清理间隔
func WithSweepInterval(d time.Duration) Option {
	return func(c *ledgerConfig) {
		c.sweepInterval = d
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *ledgerConfig) {
		c.now = now
	}
}

// NewLedger 创建限流账本
func NewLedger(intervals Table, opts ...Option) *Ledger {
	cfg := &ledgerConfig{
		retention:  DefaultRetention,
		maxEntries: 100000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if intervals == nil {
		intervals = DefaultTable()
	}

	return &Ledger{
		entries: ttlmap.New[string, time.Time](
			ttlmap.WithDefaultTTL(cfg.retention),
			ttlmap.WithMaxEntries(cfg.maxEntries),
			ttlmap.WithSweepInterval(cfg.sweepInterval),
			ttlmap.WithClock(cfg.now),
		),
		now:       cfg.now,
		intervals: intervals.Clone(),
	}
}

// TryAccept 距上次接受已满最小间隔则接受并记录，否则拒绝并返回剩余等待时间
// 被拒绝的请求不更新账本；未配置的事件类型总是接受
func (l *Ledger) TryAccept(identity, kind string) (time.Duration, bool) {
	interval := l.Interval(kind)
	if interval <= 0 {
		return 0, true
	}

	now := l.now()
	var retry time.Duration
	l.entries.Compute(ledgerKey(identity, kind), func(last time.Time, exists bool) (time.Time, ttlmap.ComputeOp) {
		if exists {
			if elapsed := now.Sub(last); elapsed < interval {
				retry = interval - elapsed
				return last, ttlmap.OpKeep
			}
		}
		return now, ttlmap.OpStore
	})
	return retry, retry == 0
}

// Interval 获取事件类型的最小间隔
func (l *Ledger) Interval(kind string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.intervals[kind]
}

// SetIntervals 热更新限流表
func (l *Ledger) SetIntervals(intervals Table) {
	l.mu.Lock()
	l.intervals = intervals.Clone()
	l.mu.Unlock()
}

// Intervals 当前限流表快照
func (l *Ledger) Intervals() Table {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.intervals.Clone()
}

// Sweep 清理超过保留时间的条目
func (l *Ledger) Sweep() int {
	return l.entries.Sweep()
}

// Len 条目数
func (l *Ledger) Len() int {
	return l.entries.Len()
}

// Close 停止后台清理
func (l *Ledger) Close() {
	l.entries.Close()
}

func ledgerKey(identity, kind string) string {
	return identity + "\x00" + kind
}
