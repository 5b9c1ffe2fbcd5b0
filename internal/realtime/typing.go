package realtime

import (
	"sort"
	"time"

	"github.com/tokmz/qim/pkg/ttlmap"
)

// TypingStopFunc 输入状态结束回调（显式停止、过期或容量淘汰）
type TypingStopFunc func(roomKey string, p Principal, reason ttlmap.EvictReason)

type typingEntry struct {
	roomKey   string
	principal Principal
}

// TypingTracker 按 (房间, 身份) 记录输入状态，条目在固定窗口后自动过期
type TypingTracker struct {
	entries *ttlmap.Map[string, typingEntry]
}

// NewTypingTracker 创建输入状态跟踪器，sweep 为过期检查间隔
func NewTypingTracker(ttl, sweep time.Duration, maxEntries int, now func() time.Time, onStop TypingStopFunc) *TypingTracker {
	entries := ttlmap.New[string, typingEntry](
		ttlmap.WithDefaultTTL(ttl),
		ttlmap.WithSweepInterval(sweep),
		ttlmap.WithMaxEntries(maxEntries),
		ttlmap.WithClock(now),
	)
	if onStop != nil {
		entries.OnEvict(func(_ string, e typingEntry, reason ttlmap.EvictReason) {
			onStop(e.roomKey, e.principal, reason)
		})
	}
	return &TypingTracker{entries: entries}
}

func typingKey(roomKey, identity string) string {
	return roomKey + "\x00" + identity
}

// Start 记录输入状态，新条目返回 true；重复调用只刷新过期时间
func (t *TypingTracker) Start(roomKey string, p Principal) bool {
	key := typingKey(roomKey, p.Identity)
	if _, loaded := t.entries.GetOrSet(key, typingEntry{roomKey: roomKey, principal: p}); loaded {
		t.entries.Touch(key)
		return false
	}
	return true
}

// Stop 删除输入状态
func (t *TypingTracker) Stop(roomKey string, p Principal) bool {
	return t.entries.Delete(typingKey(roomKey, p.Identity))
}

// Typers 房间内正在输入的身份（有序）
func (t *TypingTracker) Typers(roomKey string) []string {
	var out []string
	t.entries.Range(func(_ string, e typingEntry) bool {
		if e.roomKey == roomKey {
			out = append(out, e.principal.Identity)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Sweep 立即清理过期条目
func (t *TypingTracker) Sweep() int {
	return t.entries.Sweep()
}

// Len 条目数
func (t *TypingTracker) Len() int {
	return t.entries.Len()
}

// Close 停止后台清理
func (t *TypingTracker) Close() {
	t.entries.Close()
}

// StartTyping 开始输入，仅在新条目时向房间内其他身份广播 typing
func (m *Manager) StartTyping(conn *Connection, key string) error {
	if !conn.InRoom(key) {
		return errNotInRoom
	}
	p := conn.principal
	if !m.typing.Start(key, p) {
		return nil
	}
	if sess, ok := m.Session(p); ok {
		sess.setTyping(key, true)
	}
	if room, ok := m.rooms.Get(key); ok && !m.hidden(conn) {
		m.fanout(EventTyping, room.audience(p.Identity), map[string]any{
			"roomIdentifier": key,
			"identity":       p.Identity,
		})
	}
	return nil
}

// StopTyping 结束输入，typing-stop 由淘汰回调广播
func (m *Manager) StopTyping(conn *Connection, key string) error {
	if !conn.InRoom(key) {
		return errNotInRoom
	}
	m.typing.Stop(key, conn.principal)
	return nil
}

// onTypingStop 任何原因的条目移除都向房间广播 typing-stop
func (m *Manager) onTypingStop(key string, p Principal, reason ttlmap.EvictReason) {
	if sess, ok := m.Session(p); ok {
		sess.setTyping(key, false)
	}
	room, ok := m.rooms.Get(key)
	if !ok {
		return
	}
	m.fanout(EventTypingStop, room.audience(p.Identity), map[string]any{
		"roomIdentifier": key,
		"identity":       p.Identity,
		"reason":         string(reason),
	})
}
