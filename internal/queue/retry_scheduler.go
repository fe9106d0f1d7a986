package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// RetryScheduler publishes retry instructions to per-attempt topics.
type RetryScheduler struct {
	writers []Writer
}

// NewRetryScheduler constructs a scheduler from configured retry topics.
func NewRetryScheduler(k *Kafka, topics []string) *RetryScheduler {
	writers := make([]Writer, 0, len(topics))
	for _, topic := range topics {
		writers = append(writers, k.NewWriter(topic))
	}
	return &RetryScheduler{writers: writers}
}

// NewRetrySchedulerWithWriters wraps existing writers, one per retry topic.
func NewRetrySchedulerWithWriters(writers ...Writer) *RetryScheduler {
	return &RetryScheduler{writers: writers}
}

// ScheduleRetry publishes the message to the topic for the 1-based attempt.
// Attempts beyond the configured topics go to the last one.
func (r *RetryScheduler) ScheduleRetry(ctx context.Context, attempt int, msg RetryMessage) error {
	if len(r.writers) == 0 {
		return fmt.Errorf("retry scheduler: no retry topics configured")
	}
	if attempt <= 0 {
		return fmt.Errorf("retry scheduler: attempt %d out of range", attempt)
	}
	idx := attempt - 1
	if idx >= len(r.writers) {
		idx = len(r.writers) - 1
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("retry scheduler: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.LeadID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := r.writers[idx].WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("retry scheduler: write: %w", err)
	}
	return nil
}

// Close closes all writers.
func (r *RetryScheduler) Close() error {
	var err error
	for _, w := range r.writers {
		if w == nil {
			continue
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
