package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/queue"
	"github.com/acme/lead-call-engine/internal/repository"
)

// Dispatcher hands a ready attempt to the external dialer.
type Dispatcher interface {
	DispatchCall(ctx context.Context, msg queue.DispatchMessage) error
}

// LeadReader looks up a lead's current rotation state.
type LeadReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
}

// Outcome of handling one retry message.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeStale      Outcome = "stale"
)

// Handler waits out a retry's delay and re-dispatches it.
type Handler struct {
	dispatcher Dispatcher
	leads      LeadReader
	logger     *zap.Logger
	tracer     trace.Tracer
	sleep      func(ctx context.Context, until time.Time) error
}

// NewHandler constructs a handler. leads may be nil, in which case retries
// are dispatched without checking the lead's current state.
func NewHandler(dispatcher Dispatcher, leads LeadReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: dispatcher,
		leads:      leads,
		logger:     logger,
		tracer:     otel.Tracer("leadcall.retryworker"),
		sleep:      sleepUntil,
	}
}

// Handle blocks until msg.NextAttempt, then dispatches the attempt unless
// the lead has moved on since the retry was scheduled.
func (h *Handler) Handle(ctx context.Context, msg queue.RetryMessage) (Outcome, error) {
	ctx, span := h.tracer.Start(ctx, "retry.dispatch", trace.WithAttributes(
		attribute.String("lead.id", msg.LeadID.String()),
		attribute.Int("phone_index", msg.PhoneIndex),
		attribute.Int("attempt", msg.Attempt),
	))
	defer span.End()

	if err := h.sleep(ctx, msg.NextAttempt); err != nil {
		return "", fmt.Errorf("retry worker: wait: %w", err)
	}

	dispatch := msg.DispatchMessage
	if h.leads != nil {
		lead, err := h.leads.Get(ctx, msg.LeadID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			h.logger.Warn("retry worker: lead vanished", zap.String("lead_id", msg.LeadID.String()))
			return OutcomeStale, nil
		case err != nil:
			span.RecordError(err)
			return "", fmt.Errorf("retry worker: load lead: %w", err)
		}
		if stale(lead, msg) {
			h.logger.Info("retry worker: skipping stale retry",
				zap.String("lead_id", msg.LeadID.String()),
				zap.Int("attempt", msg.Attempt),
				zap.String("lead_state", string(lead.State)),
			)
			return OutcomeStale, nil
		}
		if dispatch.PhoneNumber == "" {
			dispatch.PhoneNumber, _ = lead.Phone(dispatch.PhoneIndex)
		}
	}
	if dispatch.PhoneNumber == "" {
		return "", fmt.Errorf("retry worker: lead %s has no phone at index %d", msg.LeadID, msg.PhoneIndex)
	}

	dispatch.EnqueuedAt = time.Now().UTC()
	if err := h.dispatcher.DispatchCall(ctx, dispatch); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("retry worker: dispatch: %w", err)
	}
	h.logger.Info("retry worker: dispatched",
		zap.String("lead_id", msg.LeadID.String()),
		zap.Int("phone_index", dispatch.PhoneIndex),
		zap.Int("attempt", dispatch.Attempt),
	)
	return OutcomeDispatched, nil
}

// stale reports whether the lead was settled or rotated past msg after the
// retry was scheduled.
func stale(lead *domain.Lead, msg queue.RetryMessage) bool {
	if lead.State != domain.LeadStateScheduled {
		return true
	}
	return lead.AttemptCount >= msg.Attempt
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
