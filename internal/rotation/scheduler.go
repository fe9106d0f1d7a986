// Package rotation decides which of a lead's phone numbers to dial next
// after a call attempt ends.
package rotation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-engine/internal/domain"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// Action is what happens to the lead after an outcome.
type Action string

const (
	// ActionRetry schedules another attempt.
	ActionRetry Action = "retry"
	// ActionExhausted stops dialing because the attempt cap was reached.
	ActionExhausted Action = "exhausted"
	// ActionDone stops dialing because the outcome needs no retry.
	ActionDone Action = "done"
)

// LeadState maps the action to the lead's persisted state.
func (a Action) LeadState() domain.LeadState {
	switch a {
	case ActionRetry:
		return domain.LeadStateScheduled
	case ActionExhausted:
		return domain.LeadStateExhausted
	default:
		return domain.LeadStateResolved
	}
}

// Outcome is a finalized call attempt against one of a lead's numbers.
type Outcome struct {
	LeadID             uuid.UUID
	PhoneCount         int
	PhoneIndex         int
	Attempt            int
	Status             domain.CallStatus
	Hangup             domain.HangupReason
	VoicemailDelivered bool
	At                 time.Time
}

// Decision is the scheduler's verdict for one outcome.
type Decision struct {
	Action    Action
	Next      domain.PhoneRotationState
	NotBefore time.Time
	Record    Record
}

// Scheduler applies a retry policy. It holds no state: the same outcome
// always yields the same decision.
type Scheduler struct {
	policy domain.RetryPolicy
}

// NewScheduler constructs a scheduler for policy.
func NewScheduler(policy domain.RetryPolicy) *Scheduler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Scheduler{policy: policy}
}

// Decide computes the next step for the lead.
func (s *Scheduler) Decide(o Outcome) (Decision, error) {
	if err := validate(o); err != nil {
		return Decision{}, err
	}

	current := domain.PhoneRotationState{LeadID: o.LeadID, PhoneIndex: o.PhoneIndex, AttemptNumber: o.Attempt}
	if !shouldRetry(o) {
		return s.finish(o, current, ActionDone)
	}
	if o.Attempt >= s.policy.MaxAttempts {
		return s.finish(o, current, ActionExhausted)
	}

	next := (o.PhoneIndex + 1) % o.PhoneCount
	delay := s.policy.RetryDelay
	if next == 0 {
		delay = s.policy.CycleDelay
	}
	notBefore := o.At.Add(delay)

	state := domain.PhoneRotationState{LeadID: o.LeadID, PhoneIndex: next, AttemptNumber: o.Attempt + 1}
	record, err := NewRecord(state, o.Status, ActionRetry, notBefore)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionRetry, Next: state, NotBefore: notBefore, Record: record}, nil
}

func (s *Scheduler) finish(o Outcome, current domain.PhoneRotationState, action Action) (Decision, error) {
	record, err := NewRecord(current, o.Status, action, o.At)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: action, Next: current, NotBefore: o.At, Record: record}, nil
}

// shouldRetry reports whether the outcome is retryable without an answer.
func shouldRetry(o Outcome) bool {
	switch o.Status {
	case domain.CallStatusBusy, domain.CallStatusNoAnswer:
		return true
	case domain.CallStatusFailed:
		return o.Hangup.Transient()
	case domain.CallStatusVoicemail:
		// Never redial the same number for voicemail; an undelivered script
		// counts toward rotation only when another number exists.
		return !o.VoicemailDelivered && o.PhoneCount > 1
	default:
		return false
	}
}

func validate(o Outcome) error {
	if o.LeadID == uuid.Nil {
		return fmt.Errorf("rotation: %w: lead id required", apperrors.ErrValidation)
	}
	if o.PhoneCount <= 0 {
		return fmt.Errorf("rotation: %w: lead %s has no phone numbers", apperrors.ErrValidation, o.LeadID)
	}
	if o.PhoneIndex < 0 || o.PhoneIndex >= o.PhoneCount {
		return fmt.Errorf("rotation: %w: phone index %d outside [0,%d)", apperrors.ErrValidation, o.PhoneIndex, o.PhoneCount)
	}
	if o.Attempt < 1 {
		return fmt.Errorf("rotation: %w: attempt %d", apperrors.ErrValidation, o.Attempt)
	}
	if !o.Status.IsTerminal() && o.Status != domain.CallStatusVoicemail {
		return fmt.Errorf("rotation: %w: status %q is not an outcome", apperrors.ErrValidation, o.Status)
	}
	return nil
}
