package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler 处理读循环解析出的帧，同一连接上串行调用
type Handler interface {
	HandleFrame(ctx context.Context, c *Conn, in *Inbound)
	HandleInvalid(ctx context.Context, c *Conn, err error)
}

// Conn 单个 WebSocket 连接
type Conn struct {
	id      string
	raw     *websocket.Conn
	cfg     *Config
	metrics Metrics

	send         chan []byte
	sendPriority chan []byte

	closed      atomic.Bool
	closeOnce   sync.Once
	done        chan struct{} // Close 后关闭
	writeDone   chan struct{} // writePump 退出后关闭
	closeReason atomic.Value  // string

	invalid  atomic.Int32 // 连续无效帧计数
	lastSeen atomic.Int64 // unix 毫秒
}

// NewConn 包装已升级的连接
func NewConn(raw *websocket.Conn, cfg *Config, metrics Metrics) *Conn {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	c := &Conn{
		id:           uuid.NewString(),
		raw:          raw,
		cfg:          cfg,
		metrics:      metrics,
		send:         make(chan []byte, cfg.SendQueueSize),
		sendPriority: make(chan []byte, cfg.PriorityQueueSize),
		done:         make(chan struct{}),
		writeDone:    make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixMilli())
	return c
}

// ID 连接 ID
func (c *Conn) ID() string { return c.id }

// RemoteAddr 远端地址
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// LastSeen 最近一次收到帧（含 pong）的时间
func (c *Conn) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

// Done 连接关闭后可读
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve 运行读写循环，阻塞直到连接关闭
// ctx 取消时连接以 "server shutdown" 关闭
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	c.metrics.ConnectionOpened()
	defer c.metrics.ConnectionClosed()

	stop := context.AfterFunc(ctx, func() { _ = c.Close("server shutdown") })
	defer stop()

	go c.writePump()
	err := c.readPump(ctx, h)

	_ = c.Close(closeReasonFor(err))
	<-c.writeDone
	return err
}

// readPump 读循环
func (c *Conn) readPump(ctx context.Context, h Handler) error {
	c.raw.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.raw.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return err
	}
	c.raw.SetPongHandler(func(string) error {
		c.touch()
		return c.raw.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		msgType, data, err := c.raw.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.touch()
		_ = c.raw.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.metrics.FrameReceived()

		var in *Inbound
		if msgType != websocket.TextMessage {
			err = ErrBinaryFrame
		} else {
			in, err = DecodeInbound(data)
		}
		if err != nil {
			c.metrics.InvalidFrame()
			if int(c.invalid.Add(1)) > c.cfg.MaxInvalidFrames {
				return ErrTooManyInvalid
			}
			h.HandleInvalid(ctx, c, err)
			continue
		}

		c.invalid.Store(0)
		h.HandleFrame(ctx, c, in)
	}
}

// writePump 写循环：优先队列先于普通队列，定时发送 ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.raw.Close()
		close(c.writeDone)
	}()

	for {
		// 优先队列非空时先清空
		select {
		case frame := <-c.sendPriority:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			c.flushPriority()
			reason, _ := c.closeReason.Load().(string)
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return
		case frame := <-c.sendPriority:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushPriority 关闭前尽量写出已排队的优先帧
func (c *Conn) flushPriority() {
	for {
		select {
		case frame := <-c.sendPriority:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msgType int, data []byte) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.metrics.WriteError()
		return err
	}
	if err := c.raw.WriteMessage(msgType, data); err != nil {
		c.metrics.WriteError()
		return err
	}
	return nil
}

// Send 非阻塞发送，队列满时丢弃
func (c *Conn) Send(frame []byte) error {
	return c.enqueue(c.send, frame)
}

// SendPriority 非阻塞发送到优先队列
func (c *Conn) SendPriority(frame []byte) error {
	return c.enqueue(c.sendPriority, frame)
}

func (c *Conn) enqueue(ch chan []byte, frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case ch <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.metrics.FrameDropped()
		return ErrChannelFull
	}
}

// Close 关闭连接（幂等），reason 写入 close 帧
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// IsClosed 是否已关闭
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
}

func closeReasonFor(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrTooManyInvalid):
		return "too many invalid frames"
	default:
		return "read error"
	}
}
