package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokmz/qim/internal/store"
)

// State 连接生命周期
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport 连接的出站通道，由传输层实现
type Transport interface {
	Send(frame []byte) error
	SendPriority(frame []byte) error
	Close(reason string) error
	RemoteAddr() string
}

// Principal 认证后确定的身份信息，激活后只读
type Principal struct {
	Identity  string
	Role      string
	Workspace string
	Tenant    string
}

// Meta 握手请求的元信息
type Meta struct {
	RemoteAddr string
	UserAgent  string
}

// Connection 一条客户端连接
type Connection struct {
	id          string
	meta        Meta
	connectedAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64 // unix 纳秒
	noticeSent   atomic.Bool  // shutdown-notice 只发送一次
	slot         atomic.Bool  // 持有连接名额

	principal Principal
	transport Transport

	mu      sync.Mutex // 连接锁，先于房间锁和会话锁获取
	rooms   map[string]store.Ref
	session *Session
}

func newConnection(id string, meta Meta, now time.Time) *Connection {
	c := &Connection{
		id:          id,
		meta:        meta,
		connectedAt: now,
		rooms:       make(map[string]store.Ref),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID 连接 ID
func (c *Connection) ID() string { return c.id }

// Meta 握手元信息
func (c *Connection) Meta() Meta { return c.meta }

// ConnectedAt 建立时间
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// State 当前状态
func (c *Connection) State() State { return State(c.state.Load()) }

// Principal 身份信息
func (c *Connection) Principal() Principal { return c.principal }

// Identity 身份
func (c *Connection) Identity() string { return c.principal.Identity }

// Authenticated 已认证且处于活跃状态
func (c *Connection) Authenticated() bool {
	return c.State() == StateActive && c.principal.Identity != ""
}

// LastActivity 最近一次处理事件的时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// JoinedRooms 已加入的房间 key（有序）
func (c *Connection) JoinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InRoom 是否已加入房间
func (c *Connection) InRoom(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[key]
	return ok
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// beginDraining 进入 Draining，只有第一个调用者返回 true
func (c *Connection) beginDraining() (State, bool) {
	for {
		s := c.State()
		if s >= StateDraining {
			return s, false
		}
		if c.transition(s, StateDraining) {
			return s, true
		}
	}
}

// lastSeen 传输层收到心跳的时间（可选）
type lastSeener interface {
	LastSeen() time.Time
}

// idleSince 事件与心跳中较新的活跃时间
func (c *Connection) idleSince() time.Time {
	last := c.LastActivity()
	if ls, ok := c.transport.(lastSeener); ok {
		if seen := ls.LastSeen(); seen.After(last) {
			return seen
		}
	}
	return last
}
