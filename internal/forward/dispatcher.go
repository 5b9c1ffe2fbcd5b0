// Package forward 将已保存的消息异步交给外部网关（Kafka、RabbitMQ）
package forward

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/logger"
)

var (
	ErrQueueFull = errors.New("forward: queue full")
	ErrClosed    = errors.New("forward: dispatcher closed")
)

// Sink 出站通道
type Sink interface {
	Name() string
	Send(ctx context.Context, env *Envelope) error
	Close() error
}

// Metrics 转发监控接口
type Metrics interface {
	ForwardSent(sink string)
	ForwardFailed(sink string)
	ForwardDropped()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) ForwardSent(string)   {}
func (NoopMetrics) ForwardFailed(string) {}
func (NoopMetrics) ForwardDropped()      {}

// Dispatcher 固定 worker 池 + 有界队列，Publish 从不阻塞调用方
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     logger.Logger
	metrics Metrics
	now     func() time.Time

	queue  chan *Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher 创建并启动转发器
func NewDispatcher(cfg *Config, sinks []Sink, log logger.Logger, metrics Metrics) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	d := &Dispatcher{
		sinks:   sinks,
		timeout: cfg.SendTimeout,
		log:     log.Named("forward"),
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan *Envelope, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.queue:
			d.deliver(env)
		case <-d.stopCh:
			// 退出前投递已入队的消息
			for {
				select {
				case env := <-d.queue:
					d.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(env *Envelope) {
	for _, sink := range d.sinks {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		err := sink.Send(ctx, env)
		cancel()
		if err != nil {
			d.metrics.ForwardFailed(sink.Name())
			d.log.Warn("forward message failed",
				zap.String("sink", sink.Name()),
				zap.String("message_id", env.Message.ID),
				zap.String("conversation", env.Message.Conversation),
				zap.Error(err),
			)
			continue
		}
		d.metrics.ForwardSent(sink.Name())
	}
}

// Publish 入队，队列满时丢弃并返回 ErrQueueFull
func (d *Dispatcher) Publish(ctx context.Context, msg *store.Message) error {
	if msg == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if len(d.sinks) == 0 {
		return nil
	}

	select {
	case d.queue <- newEnvelope(msg, d.now()):
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.ForwardDropped()
		d.log.WarnContext(ctx, "forward queue full, message dropped", zap.String("message_id", msg.ID))
		return ErrQueueFull
	}
}

// Dropped 丢弃的消息数
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close 停止接收，投递队列剩余消息后关闭所有出站通道
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
