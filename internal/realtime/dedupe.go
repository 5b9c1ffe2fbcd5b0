package realtime

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Dedupe 基于两代布隆过滤器的重复发送检测
//
// 新 key 写入当前代，检测同时查询上一代；每个窗口轮换一次，key 至少保留一个窗口。
// 只作提示：命中后仍由存储的唯一约束判定是否重发
type Dedupe struct {
	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	rotated  time.Time

	capacity uint
	fpRate   float64
	window   time.Duration
	now      func() time.Time
}

// NewDedupe 创建检测器
func NewDedupe(capacity uint, fpRate float64, window time.Duration, now func() time.Time) *Dedupe {
	if now == nil {
		now = time.Now
	}
	return &Dedupe{
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
		rotated:  now(),
		capacity: capacity,
		fpRate:   fpRate,
		window:   window,
		now:      now,
	}
}

// Seen key 是否已记录
func (d *Dedupe) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.TestString(key) || d.previous.TestString(key)
}

// Add 记录 key
func (d *Dedupe) Add(key string) {
	d.mu.Lock()
	d.current.AddString(key)
	d.mu.Unlock()
}

// Rotate 窗口到期时轮换，返回是否发生轮换
func (d *Dedupe) Rotate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window <= 0 || d.now().Sub(d.rotated) < d.window {
		return false
	}
	d.previous = d.current
	d.current = bloom.NewWithEstimates(d.capacity, d.fpRate)
	d.rotated = d.now()
	return true
}

func dedupeKey(p Principal, clientMsgID string) string {
	return p.Workspace + "\x00" + p.Tenant + "\x00" + p.Identity + "\x00" + clientMsgID
}
