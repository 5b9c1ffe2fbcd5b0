package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/ttlmap"
)

// Room 一个会话的广播范围
type Room struct {
	key       string
	ref       store.Ref
	createdAt time.Time

	mu      sync.RWMutex
	members map[string]*Connection
	deleted bool // 已从索引移除，不再接受新成员
}

func newRoom(key string, ref store.Ref, now time.Time) *Room {
	return &Room{
		key:       key,
		ref:       ref,
		createdAt: now,
		members:   make(map[string]*Connection),
	}
}

// Key 房间 key
func (r *Room) Key() string { return r.key }

// Ref 会话引用
func (r *Room) Ref() store.Ref { return r.ref }

// Len 成员连接数
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Has 连接是否在房间内
func (r *Room) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// others 除 exclude 外的成员快照
func (r *Room) others(exclude string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.members))
	for id, c := range r.members {
		if id != exclude {
			out = append(out, c)
		}
	}
	return out
}

// audience 房间内不属于 identity 的成员快照
func (r *Room) audience(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.members))
	for _, c := range r.members {
		if c.principal.Identity != identity {
			out = append(out, c)
		}
	}
	return out
}

// Participant 房间参与者
type Participant struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Status   Status `json:"status"`
}

// RoomView 加入房间后的回执
type RoomView struct {
	RoomIdentifier string        `json:"roomIdentifier"`
	Participants   []Participant `json:"participants"`
}

// Room 查询房间
func (m *Manager) Room(key string) (*Room, bool) {
	return m.rooms.Get(key)
}

// RoomKeyOf 使用当前的 key 推导函数
func (m *Manager) RoomKeyOf(ref store.Ref) string {
	return m.roomKey(ref)
}

// Join 加入房间
//
// 权限检查在加锁前完成；随后在连接锁内依次写入房间、连接与会话索引
func (m *Manager) Join(ctx context.Context, conn *Connection, raw string) (*RoomView, error) {
	p := conn.Principal()
	ref, err := ParseRoomIdentifier(raw, p)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(ctx, p.Identity, ref, ActionJoin); err != nil {
		return nil, err
	}
	key := m.roomKey(ref)

	conn.mu.Lock()
	if conn.State() != StateActive {
		conn.mu.Unlock()
		return nil, errConnClosing
	}
	if _, ok := conn.rooms[key]; ok {
		conn.mu.Unlock()
		return m.roomView(key, p.Identity), nil
	}
	if len(conn.rooms) >= m.cfg.MaxRoomsPerConn {
		conn.mu.Unlock()
		return nil, errors.ErrRoomLimitExceeded.WithDetails(map[string]any{"limit": m.cfg.MaxRoomsPerConn})
	}
	room := m.addMember(key, ref, conn)
	conn.rooms[key] = ref
	if conn.session != nil {
		conn.session.addMembership(key)
	}
	conn.mu.Unlock()

	if !m.hidden(conn) {
		m.fanout(EventRoomJoined, room.others(conn.ID()), map[string]any{
			"roomIdentifier": key,
			"identity":       p.Identity,
			"role":           p.Role,
			"connectionId":   conn.ID(),
		})
	}
	return m.roomView(key, p.Identity), nil
}

// addMember 获取或创建房间并加入成员，调用方持有连接锁
func (m *Manager) addMember(key string, ref store.Ref, conn *Connection) *Room {
	for {
		created := false
		room, _ := m.rooms.Compute(key, func(old *Room, exists bool) (*Room, ttlmap.ComputeOp) {
			if exists {
				return old, ttlmap.OpKeep
			}
			created = true
			return newRoom(key, ref, m.now()), ttlmap.OpStore
		})

		room.mu.Lock()
		if room.deleted {
			room.mu.Unlock()
			m.rooms.CompareAndDelete(key, func(r *Room) bool { return r == room })
			continue
		}
		room.members[conn.ID()] = conn
		room.mu.Unlock()

		m.rooms.Touch(key)
		if created {
			m.metrics.RoomCreated()
		}
		return room
	}
}

// Leave 离开房间，未加入时视为成功
func (m *Manager) Leave(ctx context.Context, conn *Connection, raw string) (string, error) {
	ref, err := ParseRoomIdentifier(raw, conn.Principal())
	if err != nil {
		return "", err
	}
	key := m.roomKey(ref)

	conn.mu.Lock()
	room, member := m.removeMemberLocked(conn, key)
	conn.mu.Unlock()

	if member {
		m.afterLeave(conn, key, room, "left")
	}
	return key, nil
}

// leaveAll 断开时离开全部房间
func (m *Manager) leaveAll(conn *Connection) {
	type left struct {
		key  string
		room *Room
	}

	conn.mu.Lock()
	rooms := make([]left, 0, len(conn.rooms))
	for key := range conn.rooms {
		room, _ := m.removeMemberLocked(conn, key)
		rooms = append(rooms, left{key: key, room: room})
	}
	conn.mu.Unlock()

	for _, l := range rooms {
		m.afterLeave(conn, l.key, l.room, "disconnect")
	}
}

// removeMemberLocked 从房间、连接与会话索引移除成员，房间变空时立即删除
// 返回仍存在的房间以及连接此前是否在房间内；调用方持有连接锁
func (m *Manager) removeMemberLocked(conn *Connection, key string) (*Room, bool) {
	if _, ok := conn.rooms[key]; !ok {
		return nil, false
	}
	delete(conn.rooms, key)
	if conn.session != nil {
		conn.session.dropMembership(key)
	}

	room, ok := m.rooms.Get(key)
	if !ok {
		return nil, true
	}
	room.mu.Lock()
	delete(room.members, conn.ID())
	empty := len(room.members) == 0 && !room.deleted
	if empty {
		room.deleted = true
	}
	room.mu.Unlock()

	if empty {
		if m.rooms.CompareAndDelete(key, func(r *Room) bool { return r == room }) {
			m.metrics.RoomDeleted()
		}
		return nil, true
	}
	return room, true
}

// afterLeave 停止输入状态并通知剩余成员
func (m *Manager) afterLeave(conn *Connection, key string, room *Room, reason string) {
	m.typing.Stop(key, conn.principal)
	if room == nil || m.hidden(conn) {
		return
	}
	m.fanout(EventRoomLeft, room.others(conn.ID()), map[string]any{
		"roomIdentifier": key,
		"identity":       conn.principal.Identity,
		"connectionId":   conn.ID(),
		"reason":         reason,
	})
}

// onRoomEvict 房间过期或超出容量时异步解散
// 回调可能在持有连接锁的 Join 内触发，不能同步获取连接锁
func (m *Manager) onRoomEvict(_ string, room *Room, reason ttlmap.EvictReason) {
	if reason == ttlmap.ReasonManual {
		return
	}
	go m.dissolveRoom(room)
}

// dissolveRoom 将房间从每个成员连接移除并通知 room-left{reason:"evicted"}
func (m *Manager) dissolveRoom(room *Room) {
	room.mu.Lock()
	room.deleted = true
	members := room.members
	room.members = make(map[string]*Connection)
	room.mu.Unlock()
	m.metrics.RoomDeleted()

	for _, c := range members {
		c.mu.Lock()
		_, ok := c.rooms[room.key]
		delete(c.rooms, room.key)
		if ok && c.session != nil {
			c.session.dropMembership(room.key)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		m.typing.Stop(room.key, c.principal)
		m.emit(c, EventRoomLeft, "", map[string]any{
			"roomIdentifier": room.key,
			"reason":         "evicted",
		})
	}
}

// roomView 构建参与者列表，隐身的其他身份不出现
func (m *Manager) roomView(key, viewer string) *RoomView {
	view := &RoomView{RoomIdentifier: key, Participants: []Participant{}}
	room, ok := m.rooms.Get(key)
	if !ok {
		return view
	}

	seen := make(map[string]struct{})
	for _, c := range room.others("") {
		p := c.principal
		if _, dup := seen[p.Identity]; dup {
			continue
		}
		status := m.statusOf(c)
		if p.Identity != viewer {
			if status == StatusInvisible {
				continue
			}
			status = visibleStatus(status)
		}
		seen[p.Identity] = struct{}{}
		view.Participants = append(view.Participants, Participant{Identity: p.Identity, Role: p.Role, Status: status})
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return view.Participants[i].Identity < view.Participants[j].Identity
	})
	return view
}

// statusOf 连接所属会话的状态
func (m *Manager) statusOf(c *Connection) Status {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return StatusOffline
	}
	return sess.currentStatus()
}

// hidden 隐身身份的加入与离开不通知他人
func (m *Manager) hidden(c *Connection) bool {
	return m.statusOf(c) == StatusInvisible
}

// checkAccess 调用外部权限检查
func (m *Manager) checkAccess(ctx context.Context, identity string, ref store.Ref, action string) error {
	ctx, cancel := m.collabCtx(ctx)
	defer cancel()

	ok, err := m.deps.Authorizer.HasAccess(ctx, identity, ref, action)
	if err != nil {
		return errors.ErrCollaboratorUnavailable.WithError(err)
	}
	if !ok {
		return errors.ErrPermissionDenied.WithDetails(map[string]any{"action": action})
	}
	return nil
}
