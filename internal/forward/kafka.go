package forward

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// KafkaSink 通过同步生产者写入 Kafka
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink 连接 Kafka 集群
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("forward: kafka producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, cfg.Topic), nil
}

// NewKafkaSinkFromProducer 使用已有的生产者
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func saramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = cfg.MaxRetries
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
		sc.Net.DialTimeout = cfg.Timeout
	}
	// 同一会话的消息保持分区内有序
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(cfg.RequiredAcks) {
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "", "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		return nil, fmt.Errorf("forward: unknown kafka required_acks %q", cfg.RequiredAcks)
	}

	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("forward: kafka version: %w", err)
		}
		sc.Version = v
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("forward: kafka config: %w", err)
	}
	return sc, nil
}

// Name 通道名
func (k *KafkaSink) Name() string { return "kafka" }

// Send 写入一条消息
func (k *KafkaSink) Send(ctx context.Context, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(env.Key()),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(env.Event)},
			{Key: []byte("envelope_id"), Value: []byte(env.ID)},
		},
		Timestamp: env.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("forward: kafka send: %w", err)
	}
	return nil
}

// Close 关闭生产者
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
