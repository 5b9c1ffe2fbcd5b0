package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel AMQP 通道中用到的部分
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink 发布到 RabbitMQ exchange，通道断开时重新建立
type AMQPSink struct {
	cfg  AMQPConfig
	dial func() (amqpChannel, func() error, error)

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
}

// NewAMQPSink 连接 RabbitMQ 并声明 exchange
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	s := &AMQPSink{cfg: cfg}
	s.dial = func() (amqpChannel, func() error, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if cfg.Exchange != "" {
			kind := cfg.ExchangeKind
			if kind == "" {
				kind = amqp.ExchangeTopic
			}
			if err := ch.ExchangeDeclare(cfg.Exchange, kind, true, false, false, false, nil); err != nil {
				_ = conn.Close()
				return nil, nil, err
			}
		}
		return ch, conn.Close, nil
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	ch, closeConn, err := s.dial()
	if err != nil {
		return fmt.Errorf("forward: amqp dial: %w", err)
	}
	s.ch = ch
	s.closeConn = closeConn
	return nil
}

// Name 通道名
func (s *AMQPSink) Name() string { return "amqp" }

// Send 发布一条持久化消息，通道已关闭时重连一次
func (s *AMQPSink) Send(ctx context.Context, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.PublishedAt,
		Type:         env.Event,
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	err = s.ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, pub)
	if errors.Is(err, amqp.ErrClosed) {
		s.reset()
		if err := s.connect(); err != nil {
			return err
		}
		err = s.ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, pub)
	}
	if err != nil {
		return fmt.Errorf("forward: amqp publish: %w", err)
	}
	return nil
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.closeConn != nil {
		_ = s.closeConn()
		s.closeConn = nil
	}
}

// Close 关闭通道与连接
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
