package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the unified lifecycle state of one call attempt.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusCancelled  CallStatus = "cancelled"
)

// CallStatuses lists every unified status.
var CallStatuses = []CallStatus{
	CallStatusQueued,
	CallStatusInitiated,
	CallStatusRinging,
	CallStatusInProgress,
	CallStatusCompleted,
	CallStatusFailed,
	CallStatusBusy,
	CallStatusNoAnswer,
	CallStatusVoicemail,
	CallStatusCancelled,
}

// ParseCallStatus accepts the canonical value of a status.
func ParseCallStatus(s string) (CallStatus, bool) {
	status := CallStatus(strings.ToLower(strings.TrimSpace(s)))
	if status.Valid() {
		return status, true
	}
	return "", false
}

// Valid reports whether s is one of the unified statuses.
func (s CallStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transition may leave s.
// Voicemail is not terminal: the session is finalized once the voicemail script finishes.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// Answered reports whether the far end picked up.
func (s CallStatus) Answered() bool {
	return s == CallStatusInProgress || s == CallStatusVoicemail || s == CallStatusCompleted
}

var statusRank = map[CallStatus]int{
	CallStatusQueued:     0,
	CallStatusInitiated:  1,
	CallStatusRinging:    2,
	CallStatusInProgress: 3,
	CallStatusVoicemail:  4,
	CallStatusCompleted:  5,
	CallStatusFailed:     5,
	CallStatusBusy:       5,
	CallStatusNoAnswer:   5,
	CallStatusCancelled:  5,
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if !next.Valid() || s.IsTerminal() {
		return false
	}
	if s == "" {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// CallEventType is the unified vocabulary of provider call events.
type CallEventType string

const (
	CallEventInitiated     CallEventType = "call_initiated"
	CallEventRinging       CallEventType = "call_ringing"
	CallEventAnswered      CallEventType = "call_answered"
	CallEventBridged       CallEventType = "call_bridged"
	CallEventHangup        CallEventType = "call_hangup"
	CallEventAMDCompleted  CallEventType = "amd_completed"
	CallEventGreetingEnded CallEventType = "greeting_ended"
	CallEventDTMF          CallEventType = "dtmf_received"
	CallEventRecording     CallEventType = "recording_saved"
	CallEventStreamStarted CallEventType = "stream_started"
	CallEventStreamStopped CallEventType = "stream_stopped"
	CallEventStreamFailed  CallEventType = "stream_failed"
	CallEventPlaybackEnded CallEventType = "playback_ended"
	CallEventStatusChanged CallEventType = "status_changed"
	CallEventUnknown       CallEventType = "unknown"
)

// AMDResult classifies who or what answered the call.
type AMDResult string

const (
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDFax     AMDResult = "fax"
	AMDUnknown AMDResult = "unknown"
)

// AMDDetection is the normalized answering-machine detection outcome.
type AMDDetection struct {
	Result          AMDResult `json:"result"`
	Confidence      float64   `json:"confidence"`
	RawResult       string    `json:"raw_result"`
	DetectionMethod string    `json:"detection_method"`
}

// HangupReason is the normalized cause for the end of a call.
type HangupReason string

const (
	HangupNormalClearing  HangupReason = "normal_clearing"
	HangupBusy            HangupReason = "busy"
	HangupNoAnswer        HangupReason = "no_answer"
	HangupRejected        HangupReason = "rejected"
	HangupCancelled       HangupReason = "cancelled"
	HangupInvalidNumber   HangupReason = "invalid_number"
	HangupNetworkError    HangupReason = "network_error"
	HangupTimeout         HangupReason = "timeout"
	HangupMachineDetected HangupReason = "machine_detected"
	HangupUnknown         HangupReason = "unknown"
)

// Status returns the terminal status a hangup resolves to.
func (r HangupReason) Status() CallStatus {
	switch r {
	case HangupNormalClearing, HangupMachineDetected:
		return CallStatusCompleted
	case HangupBusy:
		return CallStatusBusy
	case HangupNoAnswer, HangupTimeout:
		return CallStatusNoAnswer
	case HangupCancelled:
		return CallStatusCancelled
	default:
		return CallStatusFailed
	}
}

// Transient reports whether the failure is worth retrying.
func (r HangupReason) Transient() bool {
	switch r {
	case HangupNetworkError, HangupTimeout, HangupUnknown, "":
		return true
	default:
		return false
	}
}

// CallSession is one telephone call attempt as seen by the engine.
type CallSession struct {
	CallID     string        `json:"call_id"`
	StreamID   string        `json:"stream_id,omitempty"`
	LeadID     uuid.UUID     `json:"lead_id"`
	Status     CallStatus    `json:"status"`
	PhoneIndex int           `json:"phone_index"`
	Attempt    int           `json:"attempt"`
	Provider   string        `json:"provider"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	AMD        *AMDDetection `json:"amd,omitempty"`
	Hangup     *HangupReason `json:"hangup_reason,omitempty"`
	Finalized  bool          `json:"finalized"`
}

// Transition moves the session to next, refusing to leave a terminal state or move backwards.
func (s *CallSession) Transition(next CallStatus, at time.Time) error {
	if s.Finalized {
		return fmt.Errorf("call %s: session finalized as %s", s.CallID, s.Status)
	}
	if s.Status == next {
		return nil
	}
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("call %s: illegal transition %s -> %s", s.CallID, s.Status, next)
	}
	s.Status = next
	if next.IsTerminal() {
		ended := at
		s.EndedAt = &ended
	}
	return nil
}

// RecordAMD stores the detection result; only the first result is kept.
func (s *CallSession) RecordAMD(result AMDDetection) bool {
	if s.AMD != nil || s.Finalized {
		return false
	}
	s.AMD = &result
	return true
}

// Duration returns the elapsed time between start and end.
func (s *CallSession) Duration() time.Duration {
	if s.EndedAt == nil || s.StartedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
