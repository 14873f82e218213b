package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"fleetops-sim/internal/telemetry"
)

// messageWriter is the subset of *kafka.Writer used by KafkaWriter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes each telemetry row as a JSON message keyed by entity
// id, so an entity's readings stay ordered within one partition.
type KafkaWriter struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaWriter creates a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: empty topic")
	}
	return &KafkaWriter{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		timeout: 10 * time.Second,
	}, nil
}

// Write publishes a single row.
func (k *KafkaWriter) Write(row telemetry.TelemetryRow) error {
	return k.WriteBatch([]telemetry.TelemetryRow{row})
}

// WriteBatch publishes rows in one request.
func (k *KafkaWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.EntityID), Value: payload, Time: r.Timestamp})
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write %d rows: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (k *KafkaWriter) Close() error {
	return k.w.Close()
}
