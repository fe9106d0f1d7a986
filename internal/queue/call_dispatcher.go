package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// CallDispatcher publishes dial instructions for the external dialer.
type CallDispatcher struct {
	writer Writer
}

// NewCallDispatcher constructs a dispatcher for the given topic.
func NewCallDispatcher(k *Kafka, topic string) *CallDispatcher {
	return &CallDispatcher{writer: k.NewWriter(topic)}
}

// NewCallDispatcherWithWriter wraps an existing writer.
func NewCallDispatcherWithWriter(w Writer) *CallDispatcher {
	return &CallDispatcher{writer: w}
}

// DispatchCall writes the dispatch message keyed by lead so a lead's attempts stay ordered.
func (d *CallDispatcher) DispatchCall(ctx context.Context, msg DispatchMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("call dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.LeadID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("call dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *CallDispatcher) Close() error {
	return d.writer.Close()
}
