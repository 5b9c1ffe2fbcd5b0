package realtime

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/ttlmap"
)

// Status 在线状态
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ParseStatus 解析客户端可设置的状态
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return st, nil
	}
	return "", errors.ErrValidation.WithMessage("unknown status").WithDetails(map[string]any{"status": s})
}

// Session 一个身份在工作区/租户内的逻辑在线状态，聚合其全部连接
type Session struct {
	key       string
	principal Principal

	mu           sync.Mutex
	status       Status
	conns        map[string]*Connection
	memberships  map[string]int      // 房间 key -> 该身份在房间内的连接数
	typing       map[string]struct{} // 正在输入的房间
	lastActivity time.Time
	closed       bool
}

func newSession(key string, p Principal, now time.Time) *Session {
	return &Session{
		key:          key,
		principal:    p,
		status:       StatusOnline,
		conns:        make(map[string]*Connection),
		memberships:  make(map[string]int),
		typing:       make(map[string]struct{}),
		lastActivity: now,
	}
}

// SessionSnapshot 会话快照
type SessionSnapshot struct {
	Identity     string
	Role         string
	Status       Status
	Connections  int
	Memberships  map[string]int
	Typing       bool
	LastActivity time.Time
}

// Snapshot 会话快照
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	memberships := make(map[string]int, len(s.memberships))
	for k, v := range s.memberships {
		memberships[k] = v
	}
	return SessionSnapshot{
		Identity:     s.principal.Identity,
		Role:         s.principal.Role,
		Status:       s.status,
		Connections:  len(s.conns),
		Memberships:  memberships,
		Typing:       len(s.typing) > 0,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) addMembership(key string) {
	s.mu.Lock()
	s.memberships[key]++
	s.mu.Unlock()
}

func (s *Session) dropMembership(key string) {
	s.mu.Lock()
	if s.memberships[key] <= 1 {
		delete(s.memberships, key)
	} else {
		s.memberships[key]--
	}
	s.mu.Unlock()
}

func (s *Session) setTyping(key string, on bool) {
	s.mu.Lock()
	if on {
		s.typing[key] = struct{}{}
	} else {
		delete(s.typing, key)
	}
	s.mu.Unlock()
}

func sessionKey(p Principal) string {
	return p.Workspace + "\x00" + p.Tenant + "\x00" + p.Identity
}

// Session 查询会话
func (m *Manager) Session(p Principal) (*Session, bool) {
	return m.sessions.Get(sessionKey(p))
}

// attachSession 将连接挂到会话上，新建会话时广播 online
func (m *Manager) attachSession(conn *Connection) *Session {
	key := sessionKey(conn.principal)
	for {
		created := false
		sess, _ := m.sessions.Compute(key, func(old *Session, exists bool) (*Session, ttlmap.ComputeOp) {
			if exists {
				return old, ttlmap.OpKeep
			}
			created = true
			return newSession(key, conn.principal, m.now()), ttlmap.OpStore
		})

		sess.mu.Lock()
		if sess.closed {
			sess.mu.Unlock()
			m.sessions.CompareAndDelete(key, func(s *Session) bool { return s == sess })
			continue
		}
		sess.conns[conn.ID()] = conn
		sess.lastActivity = m.now()
		sess.mu.Unlock()

		conn.mu.Lock()
		conn.session = sess
		conn.mu.Unlock()
		if created {
			m.announce(sess, StatusOnline)
		}
		return sess
	}
}

// detachSession 从会话移除连接，最后一个连接离开时销毁会话并广播一次 offline
func (m *Manager) detachSession(conn *Connection) {
	conn.mu.Lock()
	sess := conn.session
	conn.session = nil
	conn.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	delete(sess.conns, conn.ID())
	last := len(sess.conns) == 0 && !sess.closed
	if last {
		sess.closed = true
	}
	sess.mu.Unlock()

	if last {
		m.sessions.CompareAndDelete(sess.key, func(s *Session) bool { return s == sess })
		m.announce(sess, StatusOffline)
	}
}

// onSessionEvict 会话过期或超出容量：广播 offline 并断开其连接
func (m *Manager) onSessionEvict(_ string, sess *Session, reason ttlmap.EvictReason) {
	if reason == ttlmap.ReasonManual {
		return
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	conns := make([]*Connection, 0, len(sess.conns))
	for _, c := range sess.conns {
		conns = append(conns, c)
	}
	sess.mu.Unlock()

	m.log.Info("session evicted",
		zap.String("identity", sess.principal.Identity),
		zap.String("reason", string(reason)),
		zap.Int("connections", len(conns)),
	)
	m.announce(sess, StatusOffline)
	for _, c := range conns {
		go m.Disconnect(c, "session "+string(reason))
	}
}

// SetStatus 更新身份的在线状态并广播
func (m *Manager) SetStatus(conn *Connection, raw string) (Status, error) {
	status, err := ParseStatus(raw)
	if err != nil {
		return "", err
	}
	conn.mu.Lock()
	sess := conn.session
	conn.mu.Unlock()
	if sess == nil {
		return "", errors.ErrAuthRequired
	}

	sess.mu.Lock()
	changed := sess.status != status
	sess.status = status
	sess.lastActivity = m.now()
	sess.mu.Unlock()

	if changed {
		m.announce(sess, status)
	}
	return status, nil
}

// announce 向角色范围内的受众广播 presence-update
//
// 受众：同工作区/租户内同角色的会话；非高权限角色额外通知高权限会话；自身会话总是收到
// invisible 对他人显示为 offline
func (m *Manager) announce(sess *Session, status Status) {
	p := sess.principal
	elevated := m.isElevated(p.Role)

	var others []*Connection
	m.sessions.Range(func(_ string, s *Session) bool {
		sp := s.principal
		if s == sess || sp.Workspace != p.Workspace || sp.Tenant != p.Tenant {
			return true
		}
		if sp.Role == p.Role || (!elevated && m.isElevated(sp.Role)) {
			others = append(others, s.connections()...)
		}
		return true
	})
	// 会话可能已从索引移除（offline），自身连接单独收集
	self := sess.connections()

	at := m.now().UnixMilli()
	payload := func(s Status) map[string]any {
		return map[string]any{
			"identity": p.Identity,
			"status":   s,
			"role":     p.Role,
			"at":       at,
		}
	}

	m.fanout(EventPresenceUpdate, self, payload(status))
	m.fanout(EventPresenceUpdate, others, payload(visibleStatus(status)))
}

func (m *Manager) isElevated(role string) bool {
	return slices.Contains(m.cfg.ElevatedRoles, role)
}

// visibleStatus 他人看到的状态
func visibleStatus(s Status) Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}
