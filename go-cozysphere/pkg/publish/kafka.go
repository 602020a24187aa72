// Package publish fans stored readings out to Kafka for downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each reading as one JSON message keyed by reading ID.
type KafkaPublisher struct {
	w       MessageWriter
	timeout time.Duration
	log     *slog.Logger
}

// NewKafkaWriter returns a synchronous writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaPublisher publishes through w. Each write is bounded by timeout
// so a stalled broker cannot hold up ingestion for long.
func NewKafkaPublisher(w MessageWriter, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KafkaPublisher{w: w, timeout: timeout, log: logging.Component("kafka")}
}

// Publish sends r to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, r *model.Reading) error {
	msg, err := Message(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", r.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() {
	if err := p.w.Close(); err != nil {
		p.log.Error("closing kafka writer failed", "error", err)
	}
}

// Message encodes r in the same flat JSON the HTTP API returns.
func Message(r *model.Reading) (kafka.Message, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode reading %s: %w", r.ID, err)
	}
	return kafka.Message{Key: []byte(r.ID), Value: b, Time: r.Timestamp}, nil
}
