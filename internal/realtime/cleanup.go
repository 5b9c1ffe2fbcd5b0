package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CleanupReport 一轮清理的结果
type CleanupReport struct {
	RateEntries   int
	Typing        int
	Sessions      int
	Rooms         int
	Idle          int
	DedupeRotated bool
}

// Run 启动清理与处理器校验循环，重复调用无效
func (m *Manager) Run(ctx context.Context) {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.draining {
		return
	}
	m.runOnce.Do(func() {
		m.wg.Add(2)
		go m.loop(ctx, m.cfg.CleanupInterval, func() {
			r := m.Cleanup()
			if r.Idle > 0 || r.Sessions > 0 || r.Rooms > 0 {
				m.log.Debug("cleanup finished",
					zap.Int("rate_entries", r.RateEntries),
					zap.Int("typing", r.Typing),
					zap.Int("sessions", r.Sessions),
					zap.Int("rooms", r.Rooms),
					zap.Int("idle", r.Idle),
				)
			}
		})
		go m.loop(ctx, m.cfg.VerifyInterval, func() { m.VerifyHandlers() })
	})
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Cleanup 执行一轮清理：过期条目、去重窗口轮换与空闲连接
func (m *Manager) Cleanup() CleanupReport {
	r := CleanupReport{
		RateEntries: m.ledger.Sweep(),
		Typing:      m.typing.Sweep(),
		Sessions:    m.sessions.Sweep(),
		Rooms:       m.rooms.Sweep(),
	}
	m.conns.Sweep()
	r.DedupeRotated = m.dedupe.Rotate()

	now := m.now()
	for _, c := range m.Connections() {
		if c.State() != StateActive {
			continue
		}
		if idle := now.Sub(c.idleSince()); idle > m.cfg.IdleTimeout {
			m.log.Info("reaping idle connection",
				zap.String("conn_id", c.ID()),
				zap.Duration("idle", idle),
			)
			m.Disconnect(c, "idle timeout")
			r.Idle++
			continue
		}
		// 仍有心跳的连接保持会话
		m.sessions.Touch(sessionKey(c.principal))
	}
	return r
}

// VerifyHandlers 为每个活跃连接补注册缺失的必需处理器，返回补注册总数
func (m *Manager) VerifyHandlers() int {
	required := m.bindings()
	total := 0
	for _, c := range m.Connections() {
		missing := m.handlers.Verify(c, required)
		if len(missing) == 0 {
			continue
		}
		total += len(missing)
		m.log.Warn("re-registered missing handlers",
			zap.String("conn_id", c.ID()),
			zap.Strings("events", missing),
		)
	}
	return total
}
