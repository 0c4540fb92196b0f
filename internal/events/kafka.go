package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/computex/market-engine/internal/model"
)

// KafkaPublisher writes each event kind to its own topic,
// "<prefix>.<kind>", keyed by the event's partition key.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}
}

// Topic returns the topic an event kind is written to.
func (p *KafkaPublisher) Topic(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	msg := kafka.Message{
		Topic: p.Topic(ev.Kind),
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
		Time: ev.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ConsumeCompletions reads completion signals from a Kafka topic as part of
// a consumer group and forwards them to out until ctx is cancelled.
// Malformed messages are logged and committed so they are not redelivered.
func ConsumeCompletions(ctx context.Context, brokers []string, topic, group string, out chan<- model.CompletionSignal, logger *slog.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "topic", topic)
		}),
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch completion: %w", err)
		}

		sig, err := DecodeCompletion(msg.Value)
		if err != nil {
			logger.Warn("malformed completion signal", "topic", topic, "offset", msg.Offset, "err", err)
		} else {
			select {
			case out <- sig:
			case <-ctx.Done():
				return nil
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error("commit completion offset", "offset", msg.Offset, "err", err)
		}
	}
}
