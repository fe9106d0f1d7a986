package normalizer

import (
	"strings"

	"github.com/acme/lead-call-engine/internal/domain"
)

type statusRule struct {
	needles []string
	status  domain.CallStatus
}

// Order matters: "no answer" must win over "answer", "cancel" over "end".
var statusRules = []statusRule{
	{[]string{"busy"}, domain.CallStatusBusy},
	{[]string{"cancel"}, domain.CallStatusCancelled},
	{[]string{"no-answer", "no_answer", "noanswer", "no answer", "timeout"}, domain.CallStatusNoAnswer},
	{[]string{"voicemail", "machine"}, domain.CallStatusVoicemail},
	{[]string{"fail", "error", "reject", "decline", "invalid"}, domain.CallStatusFailed},
	{[]string{"complete", "hangup", "hung", "ended", "finish"}, domain.CallStatusCompleted},
	{[]string{"answer", "progress", "active", "bridg", "connect"}, domain.CallStatusInProgress},
	{[]string{"ring", "alert"}, domain.CallStatusRinging},
	{[]string{"queue"}, domain.CallStatusQueued},
	{[]string{"initiat", "dial", "creat", "start"}, domain.CallStatusInitiated},
}

func inferStatus(key string) domain.CallStatus {
	for _, rule := range statusRules {
		if containsAny(key, rule.needles) {
			return rule.status
		}
	}
	return ""
}

type eventRule struct {
	needles []string
	event   domain.CallEventType
}

var eventRules = []eventRule{
	{[]string{"machine", "amd", "detect"}, domain.CallEventAMDCompleted},
	{[]string{"greeting"}, domain.CallEventGreetingEnded},
	{[]string{"dtmf", "digit"}, domain.CallEventDTMF},
	{[]string{"record"}, domain.CallEventRecording},
	{[]string{"stream"}, domain.CallEventStatusChanged},
	{[]string{"hangup", "ended", "complete"}, domain.CallEventHangup},
	{[]string{"answer"}, domain.CallEventAnswered},
	{[]string{"ring"}, domain.CallEventRinging},
	{[]string{"initiat", "creat"}, domain.CallEventInitiated},
}

func inferEvent(key string) domain.CallEventType {
	for _, rule := range eventRules {
		if containsAny(key, rule.needles) {
			return rule.event
		}
	}
	return domain.CallEventUnknown
}

type hangupRule struct {
	needles []string
	reason  domain.HangupReason
}

var hangupRules = []hangupRule{
	{[]string{"busy"}, domain.HangupBusy},
	{[]string{"cancel"}, domain.HangupCancelled},
	{[]string{"no_answer", "no-answer", "noanswer", "no answer"}, domain.HangupNoAnswer},
	{[]string{"timeout", "timer"}, domain.HangupTimeout},
	{[]string{"reject", "decline"}, domain.HangupRejected},
	{[]string{"unallocated", "invalid", "not_found"}, domain.HangupInvalidNumber},
	{[]string{"machine"}, domain.HangupMachineDetected},
	{[]string{"network", "congestion", "temporary", "failure", "error"}, domain.HangupNetworkError},
	{[]string{"normal", "hangup", "clearing"}, domain.HangupNormalClearing},
}

func inferHangup(key string) domain.HangupReason {
	for _, rule := range hangupRules {
		if containsAny(key, rule.needles) {
			return rule.reason
		}
	}
	return domain.HangupUnknown
}

func inferAMD(key string) domain.AMDResult {
	switch {
	case strings.Contains(key, "fax"):
		return domain.AMDFax
	case strings.Contains(key, "machine"), strings.Contains(key, "voicemail"), strings.Contains(key, "beep"):
		return domain.AMDMachine
	case strings.Contains(key, "human"), strings.Contains(key, "person"):
		return domain.AMDHuman
	default:
		return domain.AMDUnknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
