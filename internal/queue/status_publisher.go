package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// StatusPublisher publishes finalized call outcomes.
type StatusPublisher struct {
	writer Writer
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// NewStatusPublisherWithWriter wraps an existing writer.
func NewStatusPublisherWithWriter(w Writer) *StatusPublisher {
	return &StatusPublisher{writer: w}
}

// PublishStatus emits a status message keyed by lead id.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("status publisher: marshal message: %w", err)
	}
	key := []byte(msg.CallID)
	if msg.LeadID != uuid.Nil {
		key = msg.LeadID[:]
	}
	record := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("status publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
