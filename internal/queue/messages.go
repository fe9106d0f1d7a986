package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AttemptID derives a stable id for a lead's attempt, so a dispatch that is
// published more than once can be deduplicated downstream.
func AttemptID(leadID uuid.UUID, attempt int) uuid.UUID {
	return uuid.NewSHA1(leadID, []byte("attempt-"+strconv.Itoa(attempt)))
}

// DispatchMessage instructs the external dialer to call one of a lead's numbers.
type DispatchMessage struct {
	AttemptID   uuid.UUID      `json:"attempt_id"`
	LeadID      uuid.UUID      `json:"lead_id"`
	PhoneIndex  int            `json:"phone_index"`
	PhoneNumber string         `json:"phone_number"`
	Attempt     int            `json:"attempt"`
	Digest      string         `json:"rotation_digest,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// StatusMessage is the finalized outcome of one call attempt.
type StatusMessage struct {
	CallID             string     `json:"call_id"`
	StreamID           string     `json:"stream_id,omitempty"`
	LeadID             uuid.UUID  `json:"lead_id"`
	Provider           string     `json:"provider"`
	PhoneIndex         int        `json:"phone_index"`
	Attempt            int        `json:"attempt"`
	Status             string     `json:"status"`
	HangupReason       string     `json:"hangup_reason,omitempty"`
	AMDResult          string     `json:"amd_result,omitempty"`
	AMDConfidence      float64    `json:"amd_confidence,omitempty"`
	VoicemailDelivered bool       `json:"voicemail_delivered"`
	DurationMs         int64      `json:"duration_ms"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
}

// RetryMessage is a dispatch instruction held back until NextAttempt.
type RetryMessage struct {
	DispatchMessage
	NextAttempt time.Time `json:"next_attempt"`
}
