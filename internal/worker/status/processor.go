package status

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
	"github.com/acme/lead-call-engine/internal/rotation"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// RetryPublisher schedules a retry on the topic for the finished attempt.
type RetryPublisher interface {
	ScheduleRetry(ctx context.Context, attempt int, msg queue.RetryMessage) error
}

// Processor turns one finalized call outcome into persisted history, a lead
// update and, when the rotation calls for it, a retry instruction.
type Processor struct {
	leads     repository.LeadRepository
	calls     repository.CallStore
	scheduler *rotation.Scheduler
	retries   RetryPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewProcessor constructs a processor.
func NewProcessor(leads repository.LeadRepository, calls repository.CallStore, scheduler *rotation.Scheduler, retries RetryPublisher, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		leads:     leads,
		calls:     calls,
		scheduler: scheduler,
		retries:   retries,
		logger:    logger,
		tracer:    otel.Tracer("leadcall.statusworker"),
	}
}

// Result reports what Handle did with an outcome.
type Result struct {
	Decision rotation.Decision
	Skipped  bool
}

// Handle processes one status message. Outcomes without a lead are only
// recorded. Replayed outcomes are recorded but not rotated again, except
// that a stored retry whose publish never succeeded is published now.
func (p *Processor) Handle(ctx context.Context, msg queue.StatusMessage) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("call.id", msg.CallID),
		attribute.String("lead.id", msg.LeadID.String()),
		attribute.String("status", msg.Status),
		attribute.Int("attempt", msg.Attempt),
	))
	defer span.End()

	log := p.logger.With(zap.String("call_id", msg.CallID), zap.String("lead_id", msg.LeadID.String()))

	if err := p.calls.RecordCall(ctx, toCallRecord(msg)); err != nil {
		span.RecordError(err)
		log.Error("status worker: record call", zap.Error(err))
	}

	if msg.LeadID == uuid.Nil {
		log.Debug("status worker: outcome without lead, nothing to rotate")
		return Result{Skipped: true}, nil
	}

	lead, err := p.leads.Get(ctx, msg.LeadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("status worker: unknown lead")
			return Result{Skipped: true}, nil
		}
		span.RecordError(err)
		return Result{}, fmt.Errorf("status worker: load lead: %w", err)
	}

	outcome := rotation.Outcome{
		LeadID:             lead.ID,
		PhoneCount:         len(lead.Phones),
		PhoneIndex:         msg.PhoneIndex,
		Attempt:            msg.Attempt,
		Status:             domain.CallStatus(msg.Status),
		Hangup:             domain.HangupReason(msg.HangupReason),
		VoicemailDelivered: msg.VoicemailDelivered,
		At:                 msg.OccurredAt,
	}
	if outcome.Attempt == 0 {
		outcome.Attempt = lead.AttemptCount + 1
		outcome.PhoneIndex = lead.CurrentPhoneIndex
	}
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}

	decision, err := p.scheduler.Decide(outcome)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, apperrors.ErrValidation) {
			log.Warn("status worker: outcome cannot be rotated", zap.Error(err))
			return Result{Skipped: true}, nil
		}
		return Result{}, fmt.Errorf("status worker: decide: %w", err)
	}

	update := repository.LeadUpdate{
		LeadID:       lead.ID,
		PhoneIndex:   decision.Next.PhoneIndex,
		AttemptCount: outcome.Attempt,
		State:        decision.Action.LeadState(),
		Disposition:  msg.Status,
		UpdatedAt:    time.Now().UTC(),
	}
	if decision.Action == rotation.ActionRetry {
		notBefore := decision.NotBefore
		update.NextAttemptAt = &notBefore
		update.RetryPending = true
	}
	if err := p.leads.UpdateRotation(ctx, update); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			span.RecordError(err)
			return Result{}, fmt.Errorf("status worker: update lead: %w", err)
		}
		if !unpublishedRetry(lead, outcome, decision) {
			log.Info("status worker: outcome already applied", zap.Int("attempt", outcome.Attempt))
			return Result{Decision: decision, Skipped: true}, nil
		}
		log.Warn("status worker: republishing retry left pending", zap.Int("attempt", outcome.Attempt))
	}

	if err := p.calls.AppendRotation(ctx, decision.Record); err != nil {
		span.RecordError(err)
		log.Error("status worker: append rotation", zap.Error(err))
	}

	span.SetAttributes(attribute.String("rotation.action", string(decision.Action)))
	if decision.Action != rotation.ActionRetry {
		log.Info("status worker: lead settled",
			zap.String("action", string(decision.Action)),
			zap.String("status", msg.Status),
			zap.Int("attempt", outcome.Attempt),
		)
		return Result{Decision: decision}, nil
	}

	phone, _ := lead.Phone(decision.Next.PhoneIndex)
	retry := queue.RetryMessage{
		DispatchMessage: queue.DispatchMessage{
			AttemptID:   queue.AttemptID(lead.ID, decision.Next.AttemptNumber),
			LeadID:      lead.ID,
			PhoneIndex:  decision.Next.PhoneIndex,
			PhoneNumber: phone,
			Attempt:     decision.Next.AttemptNumber,
			Digest:      decision.Record.Digest,
			Metadata:    map[string]any{"previous_call_id": msg.CallID, "previous_status": msg.Status},
			EnqueuedAt:  time.Now().UTC(),
		},
		NextAttempt: decision.NotBefore,
	}
	if err := p.retries.ScheduleRetry(ctx, outcome.Attempt, retry); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("status worker: schedule retry: %w", err)
	}
	if err := p.leads.ConfirmRetry(ctx, lead.ID, outcome.Attempt); err != nil {
		span.RecordError(err)
		log.Warn("status worker: confirm retry", zap.Error(err))
	}
	log.Info("status worker: retry scheduled",
		zap.Int("phone_index", decision.Next.PhoneIndex),
		zap.Int("attempt", decision.Next.AttemptNumber),
		zap.Time("not_before", decision.NotBefore),
	)
	return Result{Decision: decision}, nil
}

// unpublishedRetry reports whether the stored lead holds this outcome's retry
// decision but the retry was never published.
func unpublishedRetry(lead *domain.Lead, outcome rotation.Outcome, decision rotation.Decision) bool {
	return decision.Action == rotation.ActionRetry &&
		lead.RetryPending &&
		lead.State == domain.LeadStateScheduled &&
		lead.AttemptCount == outcome.Attempt
}

func toCallRecord(msg queue.StatusMessage) repository.CallRecord {
	return repository.CallRecord{
		CallID:             msg.CallID,
		StreamID:           msg.StreamID,
		LeadID:             msg.LeadID,
		Provider:           msg.Provider,
		PhoneIndex:         msg.PhoneIndex,
		Attempt:            msg.Attempt,
		Status:             domain.CallStatus(msg.Status),
		HangupReason:       msg.HangupReason,
		AMDResult:          msg.AMDResult,
		AMDConfidence:      msg.AMDConfidence,
		VoicemailDelivered: msg.VoicemailDelivered,
		Duration:           time.Duration(msg.DurationMs) * time.Millisecond,
		StartedAt:          msg.StartedAt,
		EndedAt:            msg.EndedAt,
		RecordedAt:         msg.OccurredAt,
	}
}
