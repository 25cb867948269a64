package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutcomePublisher publishes call outcome events received from the voice
// platform's webhook onto the outcome topic.
type OutcomePublisher struct {
	writer *kafka.Writer
}

// NewOutcomePublisher constructs a publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// Publish emits an outcome message, keyed by call id so outcomes for the
// same call stay ordered.
func (p *OutcomePublisher) Publish(ctx context.Context, msg OutcomeMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
