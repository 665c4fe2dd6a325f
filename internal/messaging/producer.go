// Package messaging wraps the Kafka bus: a keyed producer for outbound risk
// events and a pausable, manually-committed consumer for inbound trades.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes serialized payloads to a topic. Messages with the same
// key land on the same partition, preserving per-portfolio ordering.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// KafkaProducer implements Producer over per-topic kafka.Writers.
type KafkaProducer struct {
	brokers []string
	writers map[string]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewKafkaProducer(brokers []string, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
		logger:  logger,
	}
}

func (p *KafkaProducer) getWriter(topic string) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check pattern
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:  kafka.TCP(p.brokers...),
		Topic: topic,
		// Hash keeps one portfolio's events on one ordered partition.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
	}

	p.writers[topic] = writer
	return writer
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	writer := p.getWriter(topic)
	err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("key", key))
		return err
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("failed to close writer", zap.Error(err))
		}
	}
	return lastErr
}
