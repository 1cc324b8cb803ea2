package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes Telemetry messages keyed by device
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSink creates a producer for topic
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Write publishes one message per device
func (k *KafkaSink) Write(ctx context.Context, readings ...Reading) error {
	msgs, err := encodeMessages(readings)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish telemetry: %w", err)
	}
	k.logger.Debug("Published telemetry", "topic", k.writer.Topic, "messages", len(msgs))
	return nil
}

// Close flushes pending messages and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func encodeMessages(readings []Reading) ([]kafka.Message, error) {
	order, groups := groupByDevice(readings)

	msgs := make([]kafka.Message, 0, len(order))
	for _, device := range order {
		value, err := json.Marshal(NewTelemetry(device, groups[device]))
		if err != nil {
			return nil, fmt.Errorf("failed to encode telemetry: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(device),
			Value: value,
		})
	}
	return msgs, nil
}
