package domain

import (
	"testing"
	"time"
)

func TestCallStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to CallStatus
		ok       bool
	}{
		{"", CallStatusInitiated, true},
		{CallStatusInitiated, CallStatusRinging, true},
		{CallStatusRinging, CallStatusInProgress, true},
		{CallStatusInProgress, CallStatusVoicemail, true},
		{CallStatusVoicemail, CallStatusCompleted, true},
		{CallStatusRinging, CallStatusBusy, true},
		{CallStatusInProgress, CallStatusRinging, false},
		{CallStatusCompleted, CallStatusFailed, false},
		{CallStatusBusy, CallStatusBusy, false},
		{CallStatusRinging, "bogus", false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%q -> %q: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestParseCallStatus(t *testing.T) {
	if s, ok := ParseCallStatus(" No_Answer "); !ok || s != CallStatusNoAnswer {
		t.Fatalf("expected no_answer, got %q %v", s, ok)
	}
	if _, ok := ParseCallStatus("answered"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
	for _, s := range CallStatuses {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
}

func TestSessionTransitionSetsEnd(t *testing.T) {
	start := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	s := &CallSession{CallID: "c1", Status: CallStatusInitiated, StartedAt: start}

	if err := s.Transition(CallStatusInProgress, start.Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.EndedAt != nil {
		t.Fatalf("non-terminal status must not set end time")
	}
	if err := s.Transition(CallStatusCompleted, start.Add(65*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Duration() != 65*time.Second {
		t.Fatalf("expected 65s duration, got %s", s.Duration())
	}
	if err := s.Transition(CallStatusRinging, start.Add(70*time.Second)); err == nil {
		t.Fatalf("expected error leaving terminal status")
	}

	s.Finalized = true
	if err := s.Transition(CallStatusCompleted, start); err == nil {
		t.Fatalf("expected error on finalized session")
	}
}

func TestRecordAMDKeepsFirst(t *testing.T) {
	s := &CallSession{CallID: "c1"}
	if !s.RecordAMD(AMDDetection{Result: AMDMachine, Confidence: 0.9}) {
		t.Fatalf("expected first result to be recorded")
	}
	if s.RecordAMD(AMDDetection{Result: AMDHuman}) {
		t.Fatalf("expected second result to be ignored")
	}
	if s.AMD.Result != AMDMachine {
		t.Fatalf("expected machine, got %s", s.AMD.Result)
	}
}

func TestHangupReasonStatus(t *testing.T) {
	cases := map[HangupReason]CallStatus{
		HangupNormalClearing:  CallStatusCompleted,
		HangupMachineDetected: CallStatusCompleted,
		HangupBusy:            CallStatusBusy,
		HangupTimeout:         CallStatusNoAnswer,
		HangupCancelled:       CallStatusCancelled,
		HangupInvalidNumber:   CallStatusFailed,
		HangupUnknown:         CallStatusFailed,
	}
	for reason, want := range cases {
		if got := reason.Status(); got != want {
			t.Errorf("%s: expected %s, got %s", reason, want, got)
		}
	}
	if HangupInvalidNumber.Transient() {
		t.Errorf("invalid number should not be transient")
	}
	if !HangupNetworkError.Transient() {
		t.Errorf("network error should be transient")
	}
}

func TestLeadPhone(t *testing.T) {
	l := &Lead{Phones: []string{"+15550001", "+15550002"}}
	if p, ok := l.Phone(1); !ok || p != "+15550002" {
		t.Fatalf("expected second phone, got %q %v", p, ok)
	}
	if _, ok := l.Phone(2); ok {
		t.Fatalf("expected out of range index to fail")
	}
	if _, ok := l.Phone(-1); ok {
		t.Fatalf("expected negative index to fail")
	}
}
