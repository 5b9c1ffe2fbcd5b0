package realtime

import (
	"sort"

	"github.com/tokmz/qim/pkg/ttlmap"
)

// Connection 按 ID 查询活跃连接
func (m *Manager) Connection(id string) (*Connection, bool) {
	return m.conns.Get(id)
}

// Connections 已索引连接的快照（按连接时间排序）
func (m *Manager) Connections() []*Connection {
	out := make([]*Connection, 0, m.conns.Len())
	m.conns.Range(func(_ string, c *Connection) bool {
		out = append(out, c)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ConnectedAt().Before(out[j].ConnectedAt())
	})
	return out
}

// ConnectionsOf 身份在工作区/租户内的全部连接
func (m *Manager) ConnectionsOf(p Principal) []*Connection {
	sess, ok := m.Session(p)
	if !ok {
		return nil
	}
	return sess.connections()
}

// onConnEvict 连接索引超出容量时断开最早的连接
func (m *Manager) onConnEvict(_ string, c *Connection, reason ttlmap.EvictReason) {
	if reason == ttlmap.ReasonManual {
		return
	}
	go m.Disconnect(c, "connection "+string(reason))
}
