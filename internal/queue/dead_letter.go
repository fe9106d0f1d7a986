package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetterPublisher parks messages a consumer gave up on, with the source
// position and the last error in headers.
type DeadLetterPublisher struct {
	writer Writer
}

// NewDeadLetterPublisher constructs a publisher for the dead-letter topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// NewDeadLetterPublisherWithWriter wraps an existing writer.
func NewDeadLetterPublisherWithWriter(w Writer) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: w}
}

// Publish writes msg unchanged to the dead-letter topic.
func (d *DeadLetterPublisher) Publish(ctx context.Context, msg kafka.Message, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	record := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now().UTC(),
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "x-source-topic", Value: []byte(msg.Topic)},
			kafka.Header{Key: "x-source-partition", Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: "x-source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: "x-error", Value: []byte(reason)},
		),
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *DeadLetterPublisher) Close() error {
	return d.writer.Close()
}
