package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

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

// Worker consumes every retry topic and re-dispatches due attempts.
type Worker struct {
	readers    []Reader
	handler    *Handler
	policy     worker.Policy
	deadLetter worker.DeadLetter
	logger     *zap.Logger
}

// New creates a retry worker with one reader per retry topic.
func New(container *app.Container) *Worker {
	cfg := container.Config
	readers := make([]Reader, 0, len(cfg.Kafka.RetryTopics))
	for idx, topic := range cfg.Kafka.RetryTopics {
		readers = append(readers, container.Kafka.NewReader(topic, groupID(cfg.Kafka.RetryConsumerGroupID, cfg.Kafka.ConsumerGroupID, idx+1)))
	}
	logger := container.Logger.Named("retryworker")
	handler := NewHandler(container.Dispatchers().CallDispatcher, container.Repositories().Leads, logger)
	w := NewWorker(readers, handler, worker.PolicyFrom(cfg.Kafka), logger)
	if dlq := container.Dispatchers().DeadLetter; dlq != nil {
		w.WithDeadLetter(dlq)
	}
	return w
}

// NewWorker wires a worker from explicit parts.
func NewWorker(readers []Reader, handler *Handler, policy worker.Policy, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{readers: readers, handler: handler, policy: policy, logger: logger}
}

// WithDeadLetter parks retries whose dispatch exhausts the delivery policy.
func (w *Worker) WithDeadLetter(dlq worker.DeadLetter) *Worker {
	w.deadLetter = dlq
	return w
}

// Run consumes all retry topics until the context is cancelled or one
// consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.readers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(w.readers))
	var wg sync.WaitGroup

	for idx, reader := range w.readers {
		wg.Add(1)
		go func(reader Reader, attemptIndex int) {
			defer wg.Done()
			if err := w.consume(ctx, reader, attemptIndex); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(reader, idx+1)
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}
}

func (w *Worker) consume(ctx context.Context, reader Reader, attemptIndex int) error {
	defer reader.Close()
	logger := w.logger.With(zap.Int("retry_topic", attemptIndex))

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("retry worker: fetch", zap.Error(err))
			continue
		}

		var retryMsg queue.RetryMessage
		if err := json.Unmarshal(msg.Value, &retryMsg); err != nil {
			logger.Error("retry worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		// The partition does not advance until this retry is dispatched or
		// dead-lettered; committing a later offset would drop it.
		err = worker.Deliver(ctx, w.policy, msg, w.deadLetter, logger.With(zap.String("lead_id", retryMsg.LeadID.String())), func(ctx context.Context) error {
			_, err := w.handler.Handle(ctx, retryMsg)
			return err
		})
		if err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("retry worker: commit", zap.Error(err))
		}
	}
}

func groupID(retryGroup, baseGroup string, attemptIndex int) string {
	if retryGroup == "" {
		return fmt.Sprintf("%s-retry-%d", baseGroup, attemptIndex)
	}
	return fmt.Sprintf("%s-%d", retryGroup, attemptIndex)
}
