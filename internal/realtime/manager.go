package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/pkg/cache"
	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/ratelimit"
	"github.com/tokmz/qim/pkg/tracing"
	"github.com/tokmz/qim/pkg/ttlmap"
)

// Deps 引擎依赖的外部协作者
type Deps struct {
	Verifier   Verifier
	Directory  RoleDirectory // 可选，Token 未携带角色时查询
	Authorizer Authorizer
	Store      Store
	Cache      cache.Cache // 未读数回退缓存，默认内存缓存
	Publisher  Publisher
	Logger     logger.Logger
	Metrics    Metrics
}

// Manager 连接、会话、房间与事件分发的核心管理器
type Manager struct {
	cfg     *Config
	deps    Deps
	log     logger.Logger
	metrics Metrics
	now     func() time.Time
	roomKey RoomKeyFunc

	ledger    *ratelimit.Ledger
	ownLedger bool
	handlers  *HandlerRegistry

	conns    *ttlmap.Map[string, *Connection]
	slots    atomic.Int64 // 已占用的连接名额，conns 的容量上限只作兜底
	sessions *ttlmap.Map[string, *Session]
	rooms    *ttlmap.Map[string, *Room]
	typing   *TypingTracker
	dedupe   *Dedupe

	// 生命周期
	lifecycle sync.RWMutex
	draining  bool
	runOnce   sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc
}

// NewManager 创建管理器
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = ratelimit.DefaultTable()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case deps.Verifier == nil:
		return nil, fmt.Errorf("realtime: verifier is required")
	case deps.Authorizer == nil:
		return nil, fmt.Errorf("realtime: authorizer is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("realtime: store is required")
	}
	if deps.Cache == nil {
		c, err := cache.New(cache.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("realtime: default cache: %w", err)
		}
		deps.Cache = c
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}

	now := o.now
	if now == nil {
		now = time.Now
	}
	roomKey := o.roomKey
	if roomKey == nil {
		roomKey = RoomKey
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("realtime"),
		metrics: deps.Metrics,
		now:     now,
		roomKey: roomKey,
		ledger:  o.ledger,
		stop:    make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if m.ledger == nil {
		m.ledger = ratelimit.NewLedger(cfg.RateLimits, ratelimit.WithClock(now))
		m.ownLedger = true
	}
	m.handlers = NewHandlerRegistry(m.ledger, m.log, m.metrics, m.replyError)

	m.conns = ttlmap.New[string, *Connection](
		ttlmap.WithMaxEntries(cfg.MaxConnections),
		ttlmap.WithClock(now),
	)
	m.conns.OnEvict(m.onConnEvict)

	m.sessions = ttlmap.New[string, *Session](
		ttlmap.WithDefaultTTL(cfg.SessionTTL),
		ttlmap.WithMaxEntries(cfg.MaxSessions),
		ttlmap.WithClock(now),
	)
	m.sessions.OnEvict(m.onSessionEvict)

	m.rooms = ttlmap.New[string, *Room](
		ttlmap.WithDefaultTTL(cfg.RoomTTL),
		ttlmap.WithMaxEntries(cfg.MaxRooms),
		ttlmap.WithClock(now),
	)
	m.rooms.OnEvict(m.onRoomEvict)

	m.typing = NewTypingTracker(cfg.TypingTTL, cfg.TypingSweep, cfg.MaxTypingItems, now, m.onTypingStop)
	m.dedupe = NewDedupe(cfg.DedupeCapacity, cfg.DedupeFalsePositive, cfg.DedupeWindow, now)
	return m, nil
}

// collabCtx 外部调用的超时 context
func (m *Manager) collabCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CollaboratorTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.CollaboratorTimeout)
}

// Draining 是否已开始关闭
func (m *Manager) Draining() bool {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	return m.draining
}

// Handshake 校验 Token 并确定身份与角色
//
// 失败的连接直接进入 Closed，不会出现在任何索引中
func (m *Manager) Handshake(ctx context.Context, token string, meta Meta) (*Connection, error) {
	if m.Draining() {
		return nil, errors.ErrShuttingDown
	}

	conn := newConnection(uuid.NewString(), meta, m.now())
	conn.transition(StateConnecting, StateAuthenticating)

	ctx, span := tracing.StartSpan(ctx, "realtime.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("qim.conn_id", conn.ID()))

	vctx, cancel := m.collabCtx(ctx)
	claims, err := m.deps.Verifier.Verify(vctx, token)
	cancel()
	if err != nil {
		conn.state.Store(int32(StateClosed))
		m.metrics.HandshakeFailed()
		tracing.RecordError(span, err)
		m.log.InfoContext(ctx, "handshake rejected",
			zap.String("remote_addr", meta.RemoteAddr),
			zap.Error(err),
		)
		return nil, errors.ErrAuthentication.WithError(err)
	}

	conn.principal = Principal{
		Identity:  claims.Subject,
		Role:      m.resolveRole(ctx, claims),
		Workspace: claims.Workspace,
		Tenant:    claims.Tenant,
	}
	span.SetAttributes(
		attribute.String("qim.identity", conn.principal.Identity),
		attribute.String("qim.role", conn.principal.Role),
	)
	return conn, nil
}

// resolveRole 角色优先取 Token，其次查询目录，都没有时使用默认角色
func (m *Manager) resolveRole(ctx context.Context, claims *auth.Claims) string {
	if claims.Role != "" {
		return claims.Role
	}
	if m.deps.Directory != nil {
		dctx, cancel := m.collabCtx(ctx)
		role, err := m.deps.Directory.GetRole(dctx, claims.Subject)
		cancel()
		if err == nil && role != "" {
			return role
		}
		m.log.WarnContext(ctx, "role lookup failed, using default role",
			zap.String("identity", claims.Subject),
			zap.String("default_role", m.cfg.DefaultRole),
			zap.Error(err),
		)
		return m.cfg.DefaultRole
	}
	m.log.WarnContext(ctx, "token carries no role, using default role",
		zap.String("identity", claims.Subject),
		zap.String("default_role", m.cfg.DefaultRole),
	)
	return m.cfg.DefaultRole
}

// Activate 激活握手成功的连接：建立索引、挂载会话、注册处理器并安排初始同步
func (m *Manager) Activate(ctx context.Context, conn *Connection, t Transport) error {
	if t == nil {
		return fmt.Errorf("realtime: transport is required")
	}

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.draining {
		conn.state.Store(int32(StateClosed))
		return errors.ErrShuttingDown
	}
	if !m.reserveSlot(conn) {
		conn.state.Store(int32(StateClosed))
		return errors.ErrTooManyConnections.WithDetails(map[string]any{"limit": m.cfg.MaxConnections})
	}

	conn.transport = t
	if !conn.transition(StateAuthenticating, StateActive) {
		m.releaseSlot(conn)
		return errConnClosing
	}
	m.conns.Set(conn.ID(), conn)
	m.attachSession(conn)

	for event, b := range m.bindings() {
		if err := m.handlers.Register(conn, event, b.Handler, b.Options); err != nil {
			m.log.WarnContext(ctx, "handler registration failed", zap.String("event", event), zap.Error(err))
		}
	}
	// 激活期间并发的 Disconnect 可能已跳过尚未建立的索引
	if conn.State() >= StateDraining {
		m.release(conn)
		return errConnClosing
	}
	m.metrics.ConnectionActivated()
	m.log.InfoContext(ctx, "connection activated",
		zap.String("conn_id", conn.ID()),
		zap.String("identity", conn.principal.Identity),
		zap.String("role", conn.principal.Role),
		zap.String("remote_addr", t.RemoteAddr()),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sctx := logger.WithIdentity(logger.WithConnID(m.baseCtx, conn.ID()), conn.principal.Identity)
		_, _ = m.Sync(sctx, conn, "", "")
	}()
	return nil
}

// Dispatch 处理一个入站事件，由传输层读循环按序调用
func (m *Manager) Dispatch(ctx context.Context, conn *Connection, event, requestID string, data []byte) {
	now := m.now()
	conn.touch(now)
	key := sessionKey(conn.principal)
	if m.sessions.Touch(key) {
		if sess, ok := m.sessions.Get(key); ok {
			sess.mu.Lock()
			sess.lastActivity = now
			sess.mu.Unlock()
		}
	}

	ctx = logger.WithIdentity(logger.WithConnID(ctx, conn.ID()), conn.principal.Identity)
	m.handlers.Invoke(ctx, conn, &Request{Event: event, RequestID: requestID, Data: data})
}

// ReplyInvalid 回复无法解析的入站帧
func (m *Manager) ReplyInvalid(conn *Connection, err error) {
	m.replyError(conn, "", errors.ErrValidation.WithMessage("malformed frame").WithError(err))
}

// Disconnect 断开连接，可重复调用且容忍部分建立的状态
func (m *Manager) Disconnect(conn *Connection, reason string) {
	prev, ok := conn.beginDraining()
	if !ok {
		return
	}

	m.release(conn)

	if conn.transport != nil {
		if err := conn.transport.Close(reason); err != nil {
			m.log.Debug("transport close failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
	conn.state.Store(int32(StateClosed))

	if prev == StateActive {
		m.metrics.ConnectionClosed()
		m.log.Info("connection closed",
			zap.String("conn_id", conn.ID()),
			zap.String("identity", conn.principal.Identity),
			zap.String("reason", reason),
			zap.Duration("lifetime", m.now().Sub(conn.ConnectedAt())),
		)
	}
}

// release 撤销处理器、房间、会话与连接索引，各步骤可重复执行
func (m *Manager) release(conn *Connection) {
	m.handlers.UnregisterAll(conn)
	m.leaveAll(conn)
	m.detachSession(conn)
	m.conns.CompareAndDelete(conn.ID(), func(c *Connection) bool { return c == conn })
	m.releaseSlot(conn)
}

// reserveSlot 原子占用一个连接名额，MaxConnections <= 0 时不限制
func (m *Manager) reserveSlot(conn *Connection) bool {
	limit := int64(m.cfg.MaxConnections)
	for {
		n := m.slots.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if m.slots.CompareAndSwap(n, n+1) {
			conn.slot.Store(true)
			return true
		}
	}
}

// releaseSlot 归还名额，必须在移出 conns 之后调用
func (m *Manager) releaseSlot(conn *Connection) {
	if conn.slot.CompareAndSwap(true, false) {
		m.slots.Add(-1)
	}
}

// notifyShutdown 每个连接最多发送一次 shutdown-notice
func (m *Manager) notifyShutdown(conn *Connection, reason string, grace time.Duration) bool {
	if !conn.noticeSent.CompareAndSwap(false, true) {
		return false
	}
	frame := m.encode(EventShutdownNotice, "", map[string]any{
		"reason":  reason,
		"graceMs": grace.Milliseconds(),
	})
	return m.deliver(conn, frame, true)
}

// Shutdown 优雅关闭：停止接入、通知、等待宽限期后断开全部连接
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	if m.draining {
		m.lifecycle.Unlock()
		return nil
	}
	m.draining = true
	m.lifecycle.Unlock()

	grace := m.cfg.ShutdownGrace
	notified := 0
	for _, c := range m.Connections() {
		if c.State() == StateActive && m.notifyShutdown(c, "server shutdown", grace) {
			notified++
		}
	}
	m.log.Info("shutting down", zap.Int("notified", notified), zap.Duration("grace", grace))

	if grace > 0 && notified > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	// 并发断开全部连接
	var closeWg sync.WaitGroup
	for _, c := range m.Connections() {
		closeWg.Add(1)
		go func(conn *Connection) {
			defer closeWg.Done()
			m.Disconnect(conn, "server shutdown")
		}(c)
	}
	closeWg.Wait()

	m.stopOnce.Do(func() { close(m.stop) })
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.typing.Close()
	m.sessions.Close()
	m.rooms.Close()
	m.conns.Close()
	if m.ownLedger {
		m.ledger.Close()
	}
	return err
}

// Stats 运行时计数
type Stats struct {
	Connections int  `json:"connections"`
	Sessions    int  `json:"sessions"`
	Rooms       int  `json:"rooms"`
	Typing      int  `json:"typing"`
	Draining    bool `json:"draining"`
}

// Stats 当前计数
func (m *Manager) Stats() Stats {
	return Stats{
		Connections: m.conns.Len(),
		Sessions:    m.sessions.Len(),
		Rooms:       m.rooms.Len(),
		Typing:      m.typing.Len(),
		Draining:    m.Draining(),
	}
}

// Ledger 限流账本（配置热更新使用）
func (m *Manager) Ledger() *ratelimit.Ledger {
	return m.ledger
}

// Handlers 处理器注册表
func (m *Manager) Handlers() *HandlerRegistry {
	return m.handlers
}
