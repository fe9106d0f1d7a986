package normalizer

import "github.com/acme/lead-call-engine/internal/domain"

func telnyxTable() *table {
	return &table{
		statuses: map[string]domain.CallStatus{
			"queued":         domain.CallStatusQueued,
			"call.initiated": domain.CallStatusInitiated,
			"initiated":      domain.CallStatusInitiated,
			"ringing":        domain.CallStatusRinging,
			"call.ringing":   domain.CallStatusRinging,
			"call.answered":  domain.CallStatusInProgress,
			"answered":       domain.CallStatusInProgress,
			"call.bridged":   domain.CallStatusInProgress,
			"active":         domain.CallStatusInProgress,
			"call.hangup":    domain.CallStatusCompleted,
			"hangup":         domain.CallStatusCompleted,
			"completed":      domain.CallStatusCompleted,
			"busy":           domain.CallStatusBusy,
			"no_answer":      domain.CallStatusNoAnswer,
			"failed":         domain.CallStatusFailed,
			"canceled":       domain.CallStatusCancelled,
			"cancelled":      domain.CallStatusCancelled,
			"voicemail":      domain.CallStatusVoicemail,
			"machine":        domain.CallStatusVoicemail,
		},
		hangupStatuses: map[string]bool{
			"call.hangup": true,
			"hangup":      true,
			"completed":   true,
		},
		events: map[string]domain.CallEventType{
			"call.initiated":                       domain.CallEventInitiated,
			"call.ringing":                         domain.CallEventRinging,
			"call.answered":                        domain.CallEventAnswered,
			"call.bridged":                         domain.CallEventBridged,
			"call.hangup":                          domain.CallEventHangup,
			"call.machine.detection.ended":         domain.CallEventAMDCompleted,
			"call.machine.premium.detection.ended": domain.CallEventAMDCompleted,
			"call.machine.greeting.ended":          domain.CallEventGreetingEnded,
			"call.machine.premium.greeting.ended":  domain.CallEventGreetingEnded,
			"call.dtmf.received":                   domain.CallEventDTMF,
			"call.recording.saved":                 domain.CallEventRecording,
			"call.playback.ended":                  domain.CallEventPlaybackEnded,
			"call.speak.ended":                     domain.CallEventPlaybackEnded,
			"streaming.started":                    domain.CallEventStreamStarted,
			"streaming.stopped":                    domain.CallEventStreamStopped,
			"streaming.failed":                     domain.CallEventStreamFailed,
		},
		hangups: map[string]domain.HangupReason{
			"normal_clearing":          domain.HangupNormalClearing,
			"hangup":                   domain.HangupNormalClearing,
			"user_busy":                domain.HangupBusy,
			"busy":                     domain.HangupBusy,
			"call_rejected":            domain.HangupRejected,
			"no_answer":                domain.HangupNoAnswer,
			"no_user_response":         domain.HangupNoAnswer,
			"timeout":                  domain.HangupTimeout,
			"time_limit":               domain.HangupTimeout,
			"originator_cancel":        domain.HangupCancelled,
			"unallocated_number":       domain.HangupInvalidNumber,
			"invalid_number_format":    domain.HangupInvalidNumber,
			"destination_out_of_order": domain.HangupNetworkError,
			"network_out_of_order":     domain.HangupNetworkError,
			"normal_temporary_failure": domain.HangupNetworkError,
			"recovery_on_timer_expire": domain.HangupTimeout,
			"machine_detected":         domain.HangupMachineDetected,
			"unspecified":              domain.HangupUnknown,
		},
		amd: map[string]amdEntry{
			"human":            {domain.AMDHuman, "standard"},
			"human_residence":  {domain.AMDHuman, "premium"},
			"human_business":   {domain.AMDHuman, "premium"},
			"machine":          {domain.AMDMachine, "standard"},
			"silence":          {domain.AMDUnknown, "premium"},
			"not_sure":         {domain.AMDUnknown, "standard"},
			"fax_detected":     {domain.AMDFax, "premium"},
			"beep_detected":    {domain.AMDMachine, "premium"},
			"no_beep_detected": {domain.AMDMachine, "premium"},
		},
	}
}
