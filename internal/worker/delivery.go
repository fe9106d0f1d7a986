// Package worker holds the delivery policy shared by the Kafka consumers.
package worker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/config"
)

// DeadLetter parks a message that exhausted its delivery attempts.
type DeadLetter interface {
	Publish(ctx context.Context, msg kafka.Message, cause error) error
}

// Policy bounds how often a failed message is handled again in place before
// it is dead-lettered. Offsets are never committed past an unsettled message.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// PolicyFrom reads the delivery policy from Kafka configuration.
func PolicyFrom(cfg config.KafkaConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxDeliveryAttempts,
		Backoff:     cfg.RedeliveryBackoff,
		MaxBackoff:  cfg.MaxRedeliveryBackoff,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = 30 * time.Second
	}
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// Deliver runs handle until it succeeds. After MaxAttempts failures the
// message goes to dlq; without a dlq, or when the dead-letter write fails,
// handling continues with capped backoff. A nil return means msg is settled
// and may be committed. Deliver only fails when ctx ends.
func Deliver(ctx context.Context, p Policy, msg kafka.Message, dlq DeadLetter, logger *zap.Logger, handle func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := handle(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fields := []zap.Field{
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		switch {
		case p.MaxAttempts > 0 && attempt >= p.MaxAttempts && dlq != nil:
			derr := dlq.Publish(ctx, msg, err)
			if derr == nil {
				logger.Error("delivery: message dead-lettered", fields...)
				return nil
			}
			logger.Error("delivery: dead-letter failed", append(fields, zap.NamedError("dead_letter_error", derr))...)
		default:
			logger.Warn("delivery: handle failed, retrying", fields...)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
