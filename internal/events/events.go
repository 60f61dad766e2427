// Package events publishes one message per finished load cycle.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/operations-engine/internal/model"
)

const TypeCycleFinished = "operations.cycle.finished"

// CycleEvent describes the terminal outcome of a load call.
type CycleEvent struct {
	Type       string           `json:"type"`
	CycleID    string           `json:"cycle_id"`
	Outcome    string           `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
	Pages      int              `json:"pages"`
	Dropped    int              `json:"dropped"`
	HasMore    bool             `json:"has_more"`
	Statistics model.Statistics `json:"statistics"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Publisher delivers cycle events.
type Publisher interface {
	Publish(ctx context.Context, ev CycleEvent) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CycleEvent) error { return nil }
func (NopPublisher) Close() error                              { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by cycle ID, so every event of
// a cycle lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("kafka publisher created", "topic", topic)
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev CycleEvent) error {
	if ev.Type == "" {
		ev.Type = TypeCycleFinished
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.CycleID),
		Value: data,
		Time:  ev.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish cycle event", "topic", p.topic, "cycle", ev.CycleID, "err", err)
		return err
	}
	p.logger.Debug("cycle event published", "topic", p.topic, "cycle", ev.CycleID, "outcome", ev.Outcome)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
