package ttlmap

import (
	"container/list"
	"sync"
	"time"
)

// EvictReason 淘汰原因
type EvictReason string

const (
	// ReasonExpired 过期淘汰
	ReasonExpired EvictReason = "ttl_expired"
	// ReasonCapacity 超出容量淘汰
	ReasonCapacity EvictReason = "capacity_exceeded"
	// ReasonManual 主动删除
	ReasonManual EvictReason = "manual"
)

// EvictFunc 淘汰回调
type EvictFunc[K comparable, V any] func(key K, value V, reason EvictReason)

// entry 条目
type entry[K comparable, V any] struct {
	key       K
	value     V
	ttl       time.Duration // <=0 表示永不过期
	expiresAt time.Time
}

// eviction 待触发的淘汰回调
type eviction[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

// Map 带过期时间和容量上限的并发安全映射
// 超出容量时按插入顺序淘汰最早的条目
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List // 队首为最早插入
	onEvict EvictFunc[K, V]

	maxEntries    int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New 创建映射
func New[K comparable, V any](opts ...Option) *Map[K, V] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	m := &Map[K, V]{
		items:         make(map[K]*list.Element),
		order:         list.New(),
		maxEntries:    cfg.maxEntries,
		defaultTTL:    cfg.defaultTTL,
		sweepInterval: cfg.sweepInterval,
		now:           cfg.now,
		stop:          make(chan struct{}),
	}

	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.runSweeper()
	}
	return m
}

// OnEvict 设置淘汰回调（回调在锁外执行）
func (m *Map[K, V]) OnEvict(fn EvictFunc[K, V]) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// Set 使用默认 TTL 写入
func (m *Map[K, V]) Set(key K, value V) {
	m.SetWithTTL(key, value, 0)
}

// SetWithTTL 写入条目
// ttl == 0 使用默认 TTL，ttl < 0 永不过期
// 覆盖已有的 key 视为重新插入
func (m *Map[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	m.insertLocked(key, value, ttl)
	evicted := m.enforceCapLocked()
	fn := m.onEvict
	m.mu.Unlock()

	m.fire(fn, evicted)
}

// Get 读取条目，过期条目在读取时淘汰
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	el, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		var zero V
		return zero, false
	}

	e := el.Value.(*entry[K, V])
	if m.expiredLocked(e, m.now()) {
		m.removeLocked(el)
		fn := m.onEvict
		m.mu.Unlock()
		m.fire(fn, []eviction[K, V]{{key: e.key, value: e.value, reason: ReasonExpired}})
		var zero V
		return zero, false
	}

	value := e.value
	m.mu.Unlock()
	return value, true
}

// GetOrSet 存在且未过期则返回已有值，否则写入 value
func (m *Map[K, V]) GetOrSet(key K, value V) (actual V, loaded bool) {
	m.mu.Lock()
	var evicted []eviction[K, V]

	if el, ok := m.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !m.expiredLocked(e, m.now()) {
			actual = e.value
			m.mu.Unlock()
			return actual, true
		}
		m.removeLocked(el)
		evicted = append(evicted, eviction[K, V]{key: e.key, value: e.value, reason: ReasonExpired})
	}

	m.insertLocked(key, value, 0)
	evicted = append(evicted, m.enforceCapLocked()...)
	fn := m.onEvict
	m.mu.Unlock()

	m.fire(fn, evicted)
	return value, false
}

// ComputeOp Compute 回调的处理结果
type ComputeOp int

const (
	// OpKeep 保持原状（不刷新 TTL 与插入顺序）
	OpKeep ComputeOp = iota
	// OpStore 写入新值（视为重新插入）
	OpStore
	// OpDelete 删除条目
	OpDelete
)

// Compute 在映射锁内原子地读改写一个条目，返回操作后的值及其是否存在
// fn 内不得再调用本映射的方法
func (m *Map[K, V]) Compute(key K, fn func(old V, exists bool) (V, ComputeOp)) (V, bool) {
	m.mu.Lock()
	var (
		evicted []eviction[K, V]
		old     V
		exists  bool
	)

	if el, ok := m.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if m.expiredLocked(e, m.now()) {
			m.removeLocked(el)
			evicted = append(evicted, eviction[K, V]{key: e.key, value: e.value, reason: ReasonExpired})
		} else {
			old, exists = e.value, true
		}
	}

	value, op := fn(old, exists)
	present := exists
	switch op {
	case OpStore:
		m.insertLocked(key, value, 0)
		evicted = append(evicted, m.enforceCapLocked()...)
		present = true
	case OpDelete:
		if exists {
			m.removeLocked(m.items[key])
			evicted = append(evicted, eviction[K, V]{key: key, value: old, reason: ReasonManual})
		}
		present = false
	default:
		value = old
	}
	cb := m.onEvict
	m.mu.Unlock()

	m.fire(cb, evicted)
	return value, present
}

// Delete 删除条目，触发 manual 回调
func (m *Map[K, V]) Delete(key K) bool {
	return m.CompareAndDelete(key, nil)
}

// CompareAndDelete match 为 nil 或返回 true 时删除条目
func (m *Map[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	m.mu.Lock()
	el, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e := el.Value.(*entry[K, V])
	if match != nil && !match(e.value) {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(el)
	fn := m.onEvict
	m.mu.Unlock()

	m.fire(fn, []eviction[K, V]{{key: e.key, value: e.value, reason: ReasonManual}})
	return true
}

// Touch 按条目原有 TTL 刷新过期时间
func (m *Map[K, V]) Touch(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry[K, V])
	now := m.now()
	if m.expiredLocked(e, now) {
		return false
	}
	if e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
	}
	return true
}

// Len 返回未过期条目数（顺带淘汰过期条目）
func (m *Map[K, V]) Len() int {
	m.Sweep()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Keys 按插入顺序返回未过期的 key
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]K, 0, len(m.items))
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if !m.expiredLocked(e, now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Range 遍历未过期条目的快照，fn 返回 false 时停止
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.Lock()
	now := m.now()
	snapshot := make([]entry[K, V], 0, len(m.items))
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if !m.expiredLocked(e, now) {
			snapshot = append(snapshot, *e)
		}
	}
	m.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Sweep 淘汰全部过期条目，返回淘汰数量
func (m *Map[K, V]) Sweep() int {
	m.mu.Lock()
	now := m.now()
	var evicted []eviction[K, V]
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if m.expiredLocked(e, now) {
			m.removeLocked(el)
			evicted = append(evicted, eviction[K, V]{key: e.key, value: e.value, reason: ReasonExpired})
		}
		el = next
	}
	fn := m.onEvict
	m.mu.Unlock()

	m.fire(fn, evicted)
	return len(evicted)
}

// Close 停止后台清理
func (m *Map[K, V]) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// runSweeper 后台定时清理
func (m *Map[K, V]) runSweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// insertLocked 插入到队尾（已存在则先移除）
func (m *Map[K, V]) insertLocked(key K, value V, ttl time.Duration) {
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}

	if ttl == 0 {
		ttl = m.defaultTTL
	}
	e := &entry[K, V]{key: key, value: value, ttl: ttl}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = m.order.PushBack(e)
}

// enforceCapLocked 超出容量时从队首淘汰
func (m *Map[K, V]) enforceCapLocked() []eviction[K, V] {
	if m.maxEntries <= 0 {
		return nil
	}
	var evicted []eviction[K, V]
	for len(m.items) > m.maxEntries {
		el := m.order.Front()
		if el == nil {
			break
		}
		e := el.Value.(*entry[K, V])
		m.removeLocked(el)
		evicted = append(evicted, eviction[K, V]{key: e.key, value: e.value, reason: ReasonCapacity})
	}
	return evicted
}

func (m *Map[K, V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(m.items, e.key)
	m.order.Remove(el)
}

func (m *Map[K, V]) expiredLocked(e *entry[K, V], now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.expiresAt)
}

func (m *Map[K, V]) fire(fn EvictFunc[K, V], evicted []eviction[K, V]) {
	if fn == nil {
		return
	}
	for _, ev := range evicted {
		fn(ev.key, ev.value, ev.reason)
	}
}
