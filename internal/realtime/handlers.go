package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/ratelimit"
)

// Request 一次入站事件
type Request struct {
	Event     string
	RequestID string
	Data      []byte
}

// HandlerFunc 事件处理函数，返回的带码错误会原样回复给客户端
type HandlerFunc func(ctx context.Context, conn *Connection, req *Request) error

// HandlerOptions 注册策略
type HandlerOptions struct {
	CallBudget   int           // 调用次数上限，0 不限
	Timeout      time.Duration // 注册有效期，0 不限
	RequiresAuth bool
	RateKind     string        // 限流类型，空表示不限流
	ExecTimeout  time.Duration // 单次执行超时，0 不限
}

// Binding 事件与处理函数的绑定
type Binding struct {
	Handler HandlerFunc
	Options HandlerOptions
}

// ErrorReplier 向连接回复错误事件
type ErrorReplier func(conn *Connection, requestID string, err *errors.Error)

type registration struct {
	handler HandlerFunc
	opts    HandlerOptions
	calls   atomic.Int64
	timer   *time.Timer
}

func (r *registration) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// HandlerRegistry 按 (连接, 事件) 管理处理函数
//
// 注册只会因调用次数耗尽、有效期到达或连接关闭而移除
type HandlerRegistry struct {
	mu   sync.RWMutex
	regs map[string]map[string]*registration // connID -> event -> registration

	ledger  *ratelimit.Ledger
	log     logger.Logger
	metrics Metrics
	reply   ErrorReplier
}

// NewHandlerRegistry 创建处理器注册表
func NewHandlerRegistry(ledger *ratelimit.Ledger, log logger.Logger, metrics Metrics, reply ErrorReplier) *HandlerRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if reply == nil {
		reply = func(*Connection, string, *errors.Error) {}
	}
	return &HandlerRegistry{
		regs:    make(map[string]map[string]*registration),
		ledger:  ledger,
		log:     log,
		metrics: metrics,
		reply:   reply,
	}
}

// Register 注册处理函数，同一 (连接, 事件) 的旧注册被替换
func (r *HandlerRegistry) Register(conn *Connection, event string, h HandlerFunc, opts HandlerOptions) error {
	if event == "" || h == nil {
		return fmt.Errorf("realtime: invalid registration for event %q", event)
	}
	if conn.State() >= StateDraining {
		return fmt.Errorf("realtime: connection %s is closing", conn.ID())
	}

	r.mu.Lock()
	r.insertLocked(conn.ID(), event, h, opts)
	r.mu.Unlock()
	return nil
}

func (r *HandlerRegistry) insertLocked(connID, event string, h HandlerFunc, opts HandlerOptions) {
	byEvent, ok := r.regs[connID]
	if !ok {
		byEvent = make(map[string]*registration)
		r.regs[connID] = byEvent
	}
	if old := byEvent[event]; old != nil {
		old.stop()
	}

	reg := &registration{handler: h, opts: opts}
	if opts.Timeout > 0 {
		reg.timer = time.AfterFunc(opts.Timeout, func() {
			r.remove(connID, event, reg)
		})
	}
	byEvent[event] = reg
}

// remove 仅当当前注册仍是 reg 时移除
func (r *HandlerRegistry) remove(connID, event string, reg *registration) {
	r.mu.Lock()
	if byEvent, ok := r.regs[connID]; ok && byEvent[event] == reg {
		delete(byEvent, event)
		if len(byEvent) == 0 {
			delete(r.regs, connID)
		}
	}
	r.mu.Unlock()
	reg.stop()
}

func (r *HandlerRegistry) lookup(connID, event string) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regs[connID][event]
}

// Has 是否存在注册
func (r *HandlerRegistry) Has(conn *Connection, event string) bool {
	return r.lookup(conn.ID(), event) != nil
}

// Events 连接上已注册的事件（有序）
func (r *HandlerRegistry) Events(conn *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]string, 0, len(r.regs[conn.ID()]))
	for e := range r.regs[conn.ID()] {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

// Invoke 按注册策略执行事件，错误以 error 事件回复，连接保持打开
func (r *HandlerRegistry) Invoke(ctx context.Context, conn *Connection, req *Request) {
	reg := r.lookup(conn.ID(), req.Event)
	if reg == nil {
		r.fail(ctx, conn, req, errors.ErrValidation.WithMessage("unknown event").
			WithDetails(map[string]any{"event": req.Event}))
		return
	}

	if reg.opts.RequiresAuth && !conn.Authenticated() {
		r.fail(ctx, conn, req, errors.ErrAuthRequired)
		return
	}

	if kind := reg.opts.RateKind; kind != "" && r.ledger != nil {
		if retry, ok := r.ledger.TryAccept(conn.Identity(), kind); !ok {
			r.metrics.RateLimited(req.Event)
			r.fail(ctx, conn, req, errors.ErrRateLimited.WithDetails(map[string]any{
				"retryAfterMs": retry.Milliseconds(),
			}))
			return
		}
	}

	calls := reg.calls.Add(1)
	if budget := reg.opts.CallBudget; budget > 0 && calls >= int64(budget) {
		r.remove(conn.ID(), req.Event, reg)
	}

	if err := r.execute(ctx, conn, req, reg); err != nil {
		r.fail(ctx, conn, req, err)
		return
	}
	r.metrics.EventHandled(req.Event)
}

// execute 带恢复与执行超时地调用处理函数，超时的调用被放弃
func (r *HandlerRegistry) execute(ctx context.Context, conn *Connection, req *Request, reg *registration) error {
	if reg.opts.ExecTimeout <= 0 {
		return safeCall(ctx, reg.handler, conn, req)
	}

	ctx, cancel := context.WithTimeout(ctx, reg.opts.ExecTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(ctx, reg.handler, conn, req)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler abandoned after %v: %w", reg.opts.ExecTimeout, ctx.Err())
	}
}

func safeCall(ctx context.Context, h HandlerFunc, conn *Connection, req *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h(ctx, conn, req)
}

// fail 带码错误原样回复，其余错误记录日志后以 INTERNAL_ERROR 回复
func (r *HandlerRegistry) fail(ctx context.Context, conn *Connection, req *Request, err error) {
	coded := errors.From(err)
	if coded == nil || coded.Code == errors.ErrInternal.Code {
		r.log.ErrorContext(ctx, "event handler failed",
			zap.String("event", req.Event),
			zap.String("request_id", req.RequestID),
			zap.String("state", conn.State().String()),
			zap.Error(err),
		)
		coded = errors.ErrInternal
	}
	r.metrics.HandlerError(req.Event, coded.Code)
	r.reply(conn, req.RequestID, coded)
}

// Verify 补注册缺失的必需绑定，返回补注册的事件名
func (r *HandlerRegistry) Verify(conn *Connection, required map[string]Binding) []string {
	if conn.State() != StateActive {
		return nil
	}

	r.mu.Lock()
	var missing []string
	for event, b := range required {
		if r.regs[conn.ID()][event] != nil {
			continue
		}
		r.insertLocked(conn.ID(), event, b.Handler, b.Options)
		missing = append(missing, event)
	}
	r.mu.Unlock()

	sort.Strings(missing)
	return missing
}

// Unregister 移除单个注册；连接仍处于打开状态时拒绝并返回 false
func (r *HandlerRegistry) Unregister(conn *Connection, event string) bool {
	if s := conn.State(); s < StateDraining {
		r.log.Warn("refusing to unregister handler on open connection",
			zap.String("conn_id", conn.ID()),
			zap.String("event", event),
			zap.String("state", s.String()),
		)
		return false
	}
	reg := r.lookup(conn.ID(), event)
	if reg == nil {
		return false
	}
	r.remove(conn.ID(), event, reg)
	return true
}

// UnregisterAll 移除连接的全部注册，仅用于断开清理
func (r *HandlerRegistry) UnregisterAll(conn *Connection) int {
	if s := conn.State(); s < StateDraining {
		r.log.Warn("refusing to unregister handlers on open connection",
			zap.String("conn_id", conn.ID()),
			zap.String("state", s.String()),
		)
		return 0
	}

	r.mu.Lock()
	byEvent := r.regs[conn.ID()]
	delete(r.regs, conn.ID())
	r.mu.Unlock()

	for _, reg := range byEvent {
		reg.stop()
	}
	return len(byEvent)
}
