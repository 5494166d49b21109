package mq

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig defines configuration for the Kafka event publisher.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	RequiredAcks int           `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// EventPublisher defines the fire-and-forget event side channel the judging
// core uses for final verdict notifications.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}

// KafkaPublisher implements EventPublisher on a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	dialer *kafka.Dialer
	broker string
}

// NewKafkaPublisher creates a Kafka-backed event publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	acks := kafka.RequiredAcks(cfg.RequiredAcks)
	if cfg.RequiredAcks == 0 {
		acks = kafka.RequireOne
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: acks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaPublisher{writer: writer, dialer: dialer, broker: cfg.Brokers[0]}, nil
}

// PublishEvent publishes one event keyed for per-submission ordering.
func (p *KafkaPublisher) PublishEvent(ctx context.Context, topic string, key string, payload []byte) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
}

// Ping verifies the Kafka connection.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.broker)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
