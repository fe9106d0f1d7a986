package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/callstate"
	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/normalizer"
	"github.com/acme/lead-call-engine/internal/service/common"
)

type webhookResponse struct {
	CallID    string               `json:"call_id"`
	Event     domain.CallEventType `json:"event"`
	Status    domain.CallStatus    `json:"status"`
	Finalized bool                 `json:"finalized"`
}

// leadMeta carries the lead attribution the dialer attached to the call.
type leadMeta struct {
	LeadID     string `json:"lead_id"`
	PhoneIndex *int   `json:"phone_index"`
	Attempt    int    `json:"attempt"`
}

func (m leadMeta) apply(u *callstate.Update) {
	if id, err := uuid.Parse(m.LeadID); err == nil {
		u.LeadID = id
	}
	if m.PhoneIndex != nil && *m.PhoneIndex >= 0 {
		idx := *m.PhoneIndex
		u.PhoneIndex = &idx
	}
	if m.Attempt > 0 {
		u.Attempt = m.Attempt
	}
}

func (h *HandlerSet) webhook(ctx *fiber.Ctx) error {
	provider := strings.ToLower(ctx.Params("provider"))

	var (
		update callstate.Update
		err    error
	)
	switch normalizer.Provider(provider) {
	case normalizer.ProviderTelnyx:
		update, err = h.parseTelnyx(ctx)
	case normalizer.ProviderSignalWire:
		update, err = h.parseSignalWire(ctx)
	default:
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	}
	if err != nil {
		h.logger.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
		return translateError(err)
	}
	update.Provider = provider

	snap, err := h.tracker.Apply(ctx.UserContext(), update)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(webhookResponse{
		CallID:    snap.CallID,
		Event:     update.Event,
		Status:    snap.Status,
		Finalized: snap.Finalized,
	})
}

type telnyxEnvelope struct {
	Data struct {
		ID         string        `json:"id"`
		EventType  string        `json:"event_type"`
		OccurredAt string        `json:"occurred_at"`
		Payload    telnyxPayload `json:"payload"`
	} `json:"data"`
}

type telnyxPayload struct {
	CallControlID string   `json:"call_control_id"`
	CallSessionID string   `json:"call_session_id"`
	ClientState   string   `json:"client_state"`
	HangupCause   string   `json:"hangup_cause"`
	Result        string   `json:"result"`
	Confidence    *float64 `json:"confidence"`
	StreamID      string   `json:"stream_id"`
}

func (h *HandlerSet) parseTelnyx(ctx *fiber.Ctx) (callstate.Update, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(ctx.Body(), &env); err != nil {
		return callstate.Update{}, fiber.NewError(http.StatusBadRequest, "invalid telnyx payload")
	}
	data := env.Data
	p := data.Payload
	callID := p.CallControlID
	if callID == "" {
		callID = p.CallSessionID
	}
	if callID == "" || data.EventType == "" {
		return callstate.Update{}, fiber.NewError(http.StatusBadRequest, "call_control_id and event_type required")
	}

	provider := string(normalizer.ProviderTelnyx)
	event, err := h.normalizer.MapEvent(provider, data.EventType)
	if err != nil {
		return callstate.Update{}, err
	}

	update := callstate.Update{CallID: callID, StreamID: p.StreamID, Event: event, At: parseTime(data.OccurredAt)}
	opts := h.normalizer.Defaults()
	opts.HangupCause = p.HangupCause

	if carriesStatus(event) {
		status, err := h.normalizer.MapStatus(provider, data.EventType, opts)
		if err != nil {
			return callstate.Update{}, err
		}
		update.Status = status
	}
	if p.HangupCause != "" {
		reason, err := h.normalizer.MapHangup(provider, p.HangupCause, opts)
		if err != nil {
			return callstate.Update{}, err
		}
		update.Hangup = &reason
		if event == domain.CallEventHangup {
			// The tracker derives the terminal status from the cause and
			// whether the call was answered.
			update.Status = ""
		}
	}
	if event == domain.CallEventAMDCompleted && p.Result != "" {
		confidence := -1.0
		if p.Confidence != nil {
			confidence = *p.Confidence
		}
		amd, err := h.normalizer.MapAMD(provider, p.Result, confidence)
		if err != nil {
			return callstate.Update{}, err
		}
		update.AMD = &amd
	}

	if p.ClientState != "" {
		meta, err := decodeClientState(p.ClientState)
		if err != nil {
			h.logger.Debug("telnyx: ignoring unreadable client_state", zap.String("call_id", callID), zap.Error(err))
		} else {
			meta.apply(&update)
		}
	}
	return update, nil
}

func decodeClientState(raw string) (leadMeta, error) {
	var meta leadMeta
	decoded, err := common.DecodeBase64(raw)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(decoded, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// signalWireCallback covers LaML status callbacks (form or JSON) and RELAY
// JSON notifications.
type signalWireCallback struct {
	CallSid         string       `json:"CallSid" form:"CallSid"`
	CallStatus      string       `json:"CallStatus" form:"CallStatus"`
	AnsweredBy      string       `json:"AnsweredBy" form:"AnsweredBy"`
	Confidence      string       `json:"MachineDetectionConfidence" form:"MachineDetectionConfidence"`
	HangupCause     string       `json:"HangupCause" form:"HangupCause"`
	SipResponseCode string       `json:"SipResponseCode" form:"SipResponseCode"`
	Timestamp       string       `json:"Timestamp" form:"Timestamp"`
	EventType       string       `json:"event_type" form:"event_type"`
	Params          *relayParams `json:"params" form:"-"`
}

type relayParams struct {
	CallID    string `json:"call_id"`
	CallState string `json:"call_state"`
	EndReason string `json:"end_reason"`
}

func (h *HandlerSet) parseSignalWire(ctx *fiber.Ctx) (callstate.Update, error) {
	var cb signalWireCallback
	if err := ctx.BodyParser(&cb); err != nil {
		return callstate.Update{}, fiber.NewError(http.StatusBadRequest, "invalid signalwire payload")
	}
	provider := string(normalizer.ProviderSignalWire)

	var (
		update callstate.Update
		err    error
	)
	if cb.EventType != "" && cb.Params != nil {
		update, err = h.relayUpdate(provider, cb)
	} else {
		update, err = h.lamlUpdate(provider, cb)
	}
	if err != nil {
		return callstate.Update{}, err
	}

	meta := leadMeta{LeadID: ctx.Query("lead_id"), Attempt: ctx.QueryInt("attempt", 0)}
	if raw := ctx.Query("phone_index"); raw != "" {
		if idx, err := strconv.Atoi(raw); err == nil {
			meta.PhoneIndex = &idx
		}
	}
	meta.apply(&update)
	return update, nil
}

func (h *HandlerSet) lamlUpdate(provider string, cb signalWireCallback) (callstate.Update, error) {
	if cb.CallSid == "" {
		return callstate.Update{}, fiber.NewError(http.StatusBadRequest, "CallSid required")
	}
	update := callstate.Update{CallID: cb.CallSid, Event: domain.CallEventStatusChanged, At: parseTime(cb.Timestamp)}

	cause := cb.HangupCause
	if cause == "" {
		cause = sipCause(cb.SipResponseCode)
	}
	opts := h.normalizer.Defaults()
	opts.HangupCause = cause

	if cb.CallStatus != "" {
		event, err := h.normalizer.MapEvent(provider, cb.CallStatus)
		if err != nil {
			return callstate.Update{}, err
		}
		status, err := h.normalizer.MapStatus(provider, cb.CallStatus, opts)
		if err != nil {
			return callstate.Update{}, err
		}
		update.Event = event
		update.Status = status
	}
	if cause != "" && update.Status.IsTerminal() {
		reason, err := h.normalizer.MapHangup(provider, cause, opts)
		if err != nil {
			return callstate.Update{}, err
		}
		update.Hangup = &reason
	}
	if cb.AnsweredBy != "" {
		confidence := -1.0
		if v, err := strconv.ParseFloat(cb.Confidence, 64); err == nil {
			confidence = v
		}
		amd, err := h.normalizer.MapAMD(provider, cb.AnsweredBy, confidence)
		if err != nil {
			return callstate.Update{}, err
		}
		update.AMD = &amd
		if update.Status == "" {
			update.Event = domain.CallEventAMDCompleted
		}
	}
	return update, nil
}

func (h *HandlerSet) relayUpdate(provider string, cb signalWireCallback) (callstate.Update, error) {
	p := cb.Params
	if p.CallID == "" {
		return callstate.Update{}, fiber.NewError(http.StatusBadRequest, "params.call_id required")
	}
	event, err := h.normalizer.MapEvent(provider, cb.EventType)
	if err != nil {
		return callstate.Update{}, err
	}
	update := callstate.Update{CallID: p.CallID, Event: event}
	if p.CallState == "" {
		return update, nil
	}

	opts := h.normalizer.Defaults()
	opts.HangupCause = p.EndReason
	status, err := h.normalizer.MapStatus(provider, p.CallState, opts)
	if err != nil {
		return callstate.Update{}, err
	}
	update.Status = status
	if status.IsTerminal() {
		update.Event = domain.CallEventHangup
		if p.EndReason != "" {
			reason, err := h.normalizer.MapHangup(provider, p.EndReason, opts)
			if err != nil {
				return callstate.Update{}, err
			}
			update.Hangup = &reason
		}
	}
	return update, nil
}

// carriesStatus reports whether the event implies a call status.
func carriesStatus(event domain.CallEventType) bool {
	switch event {
	case domain.CallEventInitiated, domain.CallEventRinging, domain.CallEventAnswered,
		domain.CallEventBridged, domain.CallEventHangup, domain.CallEventStatusChanged:
		return true
	default:
		return false
	}
}

// sipCause maps a final SIP response code onto the SignalWire end-reason vocabulary.
func sipCause(code string) string {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil || n < 400 {
		return ""
	}
	switch n {
	case 486, 600:
		return "busy"
	case 408, 480:
		return "noanswer"
	case 603:
		return "decline"
	case 404, 484, 604:
		return "noroute"
	case 487:
		return "cancel"
	}
	if n >= 500 {
		return "error"
	}
	return ""
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
