package status

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/app"
	"github.com/acme/lead-call-engine/internal/queue"
	"github.com/acme/lead-call-engine/internal/worker"
)

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes finalized call outcomes and drives phone rotation.
type Worker struct {
	reader     Reader
	processor  *Processor
	policy     worker.Policy
	deadLetter worker.DeadLetter
	logger     *zap.Logger
}

// New creates a status worker from the container.
func New(container *app.Container) *Worker {
	cfg := container.Config
	repos := container.Repositories()
	processor := NewProcessor(
		repos.Leads,
		repos.CallStore,
		container.Engine().Rotation,
		container.Dispatchers().RetryScheduler,
		container.Logger.Named("statusworker"),
	)
	reader := container.Kafka.NewReader(cfg.Kafka.StatusTopic, cfg.Kafka.ConsumerGroupID+"-status")
	w := NewWorker(reader, processor, worker.PolicyFrom(cfg.Kafka), container.Logger.Named("statusworker"))
	if dlq := container.Dispatchers().DeadLetter; dlq != nil {
		w.WithDeadLetter(dlq)
	}
	return w
}

// NewWorker wires a worker from explicit parts. Failed messages are retried
// in place; see WithDeadLetter.
func NewWorker(reader Reader, processor *Processor, policy worker.Policy, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{reader: reader, processor: processor, policy: policy, logger: logger}
}

// WithDeadLetter parks messages that exhaust the delivery policy.
func (w *Worker) WithDeadLetter(dlq worker.DeadLetter) *Worker {
	w.deadLetter = dlq
	return w
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var status queue.StatusMessage
		if err := json.Unmarshal(msg.Value, &status); err != nil {
			w.logger.Error("status worker: unmarshal", zap.Error(err))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		// Handled in place until settled so a failed outcome is never
		// committed past.
		if err := worker.Deliver(ctx, w.policy, msg, w.deadLetter, w.logger.With(zap.String("call_id", status.CallID)), func(ctx context.Context) error {
			_, err := w.processor.Handle(ctx, status)
			return err
		}); err != nil {
			return err
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}
