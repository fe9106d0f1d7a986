package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadState tracks where a lead is in its dialing lifecycle.
type LeadState string

const (
	LeadStatePending   LeadState = "pending"
	LeadStateScheduled LeadState = "scheduled"
	LeadStateResolved  LeadState = "resolved"
	LeadStateExhausted LeadState = "exhausted"
)

// Lead is the subset of a lead record the engine needs to rotate phone numbers.
type Lead struct {
	ID                uuid.UUID
	Phones            []string
	CurrentPhoneIndex int
	AttemptCount      int
	State             LeadState
	Disposition       string
	NextAttemptAt     *time.Time
	// RetryPending is set between storing a retry decision and publishing it.
	RetryPending bool
	UpdatedAt    time.Time
}

// Phone returns the phone number at index, if it exists.
func (l *Lead) Phone(index int) (string, bool) {
	if index < 0 || index >= len(l.Phones) {
		return "", false
	}
	return l.Phones[index], true
}

// PhoneRotationState identifies one scheduled attempt against a lead.
type PhoneRotationState struct {
	LeadID        uuid.UUID `json:"lead_id"`
	PhoneIndex    int       `json:"phone_index"`
	AttemptNumber int       `json:"attempt_number"`
}

// RetryPolicy defines retry rules for unanswered calls.
type RetryPolicy struct {
	MaxAttempts int
	RetryDelay  time.Duration
	CycleDelay  time.Duration
}
