package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// MessageWriter is the part of *kafka.Writer used by KafkaConnection.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds configuration for the Kafka event exporter.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic receives every exported event.
	Topic string
}

// KafkaConnection forwards bus events to a Kafka topic. Messages are keyed
// by paper id so one paper's events stay in one partition.
type KafkaConnection struct {
	id     string
	writer MessageWriter
}

// NewKafkaWriter creates a writer for cfg.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaConnection creates a KafkaConnection writing through w.
func NewKafkaConnection(id string, w MessageWriter) *KafkaConnection {
	return &KafkaConnection{id: id, writer: w}
}

// ID returns the connection id.
func (c *KafkaConnection) ID() string { return c.id }

// Send publishes event.
func (c *KafkaConnection) Send(ctx context.Context, event domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.PaperID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (c *KafkaConnection) Close() error {
	return c.writer.Close()
}
