package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/rotation"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// LeadRepository reads lead phone lists and persists rotation progress.
type LeadRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	UpdateRotation(ctx context.Context, update LeadUpdate) error
	// ConfirmRetry clears RetryPending once the retry for attempt is published.
	ConfirmRetry(ctx context.Context, leadID uuid.UUID, attempt int) error
}

// CallStore persists call history and the rotation audit trail.
type CallStore interface {
	RecordCall(ctx context.Context, record CallRecord) error
	GetCall(ctx context.Context, callID string) (*CallRecord, error)
	AppendRotation(ctx context.Context, record rotation.Record) error
	ListRotations(ctx context.Context, leadID uuid.UUID, limit int) ([]rotation.Record, error)
}

// LeadUpdate is the lead row change that follows a rotation decision.
type LeadUpdate struct {
	LeadID        uuid.UUID
	PhoneIndex    int
	AttemptCount  int
	State         domain.LeadState
	Disposition   string
	NextAttemptAt *time.Time
	RetryPending  bool
	UpdatedAt     time.Time
}

// CallRecord is the storage representation of a finalized call attempt.
type CallRecord struct {
	CallID             string
	StreamID           string
	LeadID             uuid.UUID
	Provider           string
	PhoneIndex         int
	Attempt            int
	Status             domain.CallStatus
	HangupReason       string
	AMDResult          string
	AMDConfidence      float64
	VoicemailDelivered bool
	Duration           time.Duration
	StartedAt          time.Time
	EndedAt            *time.Time
	RecordedAt         time.Time
}
