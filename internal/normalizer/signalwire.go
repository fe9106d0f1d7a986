package normalizer

import "github.com/acme/lead-call-engine/internal/domain"

// signalWireTable covers both the LaML (Twilio-compatible) callback vocabulary
// and the RELAY call states.
func signalWireTable() *table {
	return &table{
		statuses: map[string]domain.CallStatus{
			"queued":      domain.CallStatusQueued,
			"initiated":   domain.CallStatusInitiated,
			"created":     domain.CallStatusInitiated,
			"ringing":     domain.CallStatusRinging,
			"in-progress": domain.CallStatusInProgress,
			"answered":    domain.CallStatusInProgress,
			"ending":      domain.CallStatusInProgress,
			"completed":   domain.CallStatusCompleted,
			"ended":       domain.CallStatusCompleted,
			"busy":        domain.CallStatusBusy,
			"no-answer":   domain.CallStatusNoAnswer,
			"failed":      domain.CallStatusFailed,
			"canceled":    domain.CallStatusCancelled,
		},
		hangupStatuses: map[string]bool{
			"ended": true,
		},
		events: map[string]domain.CallEventType{
			"initiated":            domain.CallEventInitiated,
			"ringing":              domain.CallEventRinging,
			"answered":             domain.CallEventAnswered,
			"in-progress":          domain.CallEventAnswered,
			"completed":            domain.CallEventHangup,
			"ended":                domain.CallEventHangup,
			"busy":                 domain.CallEventHangup,
			"no-answer":            domain.CallEventHangup,
			"failed":               domain.CallEventHangup,
			"canceled":             domain.CallEventHangup,
			"calling.call.state":   domain.CallEventStatusChanged,
			"calling.call.detect":  domain.CallEventAMDCompleted,
			"calling.call.collect": domain.CallEventDTMF,
			"calling.call.record":  domain.CallEventRecording,
			"calling.call.play":    domain.CallEventPlaybackEnded,
			"calling.call.connect": domain.CallEventBridged,
			"amd":                  domain.CallEventAMDCompleted,
			"gather":               domain.CallEventDTMF,
			"recording":            domain.CallEventRecording,
			"stream-started":       domain.CallEventStreamStarted,
			"stream-stopped":       domain.CallEventStreamStopped,
			"stream-error":         domain.CallEventStreamFailed,
		},
		hangups: map[string]domain.HangupReason{
			"hangup":    domain.HangupNormalClearing,
			"completed": domain.HangupNormalClearing,
			"busy":      domain.HangupBusy,
			"decline":   domain.HangupRejected,
			"noanswer":  domain.HangupNoAnswer,
			"no-answer": domain.HangupNoAnswer,
			"cancel":    domain.HangupCancelled,
			"canceled":  domain.HangupCancelled,
			"noroute":   domain.HangupInvalidNumber,
			"invalid":   domain.HangupInvalidNumber,
			"error":     domain.HangupNetworkError,
			"timeout":   domain.HangupTimeout,
			"machine":   domain.HangupMachineDetected,
		},
		amd: map[string]amdEntry{
			"human":               {domain.AMDHuman, "answered_by"},
			"machine_start":       {domain.AMDMachine, "answered_by"},
			"machine_end_beep":    {domain.AMDMachine, "answered_by"},
			"machine_end_silence": {domain.AMDMachine, "answered_by"},
			"machine_end_other":   {domain.AMDMachine, "answered_by"},
			"machine":             {domain.AMDMachine, "relay_detect"},
			"fax":                 {domain.AMDFax, "answered_by"},
			"unknown":             {domain.AMDUnknown, "answered_by"},
		},
	}
}
