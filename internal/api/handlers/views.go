package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-call-engine/internal/bridge"
	"github.com/acme/lead-call-engine/internal/repository"
	"github.com/acme/lead-call-engine/internal/rotation"
)

func (h *HandlerSet) listBridges(ctx *fiber.Ctx) error {
	active := h.bridges.ActiveBridges()
	items := make([]bridge.Info, 0, len(active))
	for _, b := range active {
		items = append(items, b.Info())
	}
	resp := fiber.Map{"bridges": items, "count": len(items)}
	if h.streams != nil {
		resp["connections"] = h.streams.ActiveConnections()
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	callID := ctx.Params("callId")
	if callID == "" {
		return fiber.NewError(http.StatusBadRequest, "call id required")
	}

	if snap, ok := h.tracker.Get(callID); ok {
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"source": "live", "call": snap})
	}
	if h.history == nil {
		return fiber.NewError(http.StatusNotFound, "resource not found")
	}

	record, err := h.history.GetCall(ctx.UserContext(), callID)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"source": "history", "call": toCallResponse(record)})
}

func (h *HandlerSet) listRotations(ctx *fiber.Ctx) error {
	leadID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}
	if h.history == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "rotation history unavailable")
	}

	limit := ctx.QueryInt("limit", 100)
	records, err := h.history.ListRotations(ctx.UserContext(), leadID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := rotationsResponse{LeadID: leadID.String(), Rotations: make([]rotationResponse, 0, len(records)), Verified: true}
	for _, r := range records {
		ok := r.Verify()
		resp.Verified = resp.Verified && ok
		resp.Rotations = append(resp.Rotations, rotationResponse{Record: r, Valid: ok})
	}
	if len(records) > 0 {
		if err := rotation.VerifyHistory(records, maxPhoneIndex(records)+1); err != nil {
			resp.Verified = false
			resp.Problem = err.Error()
		}
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

type rotationResponse struct {
	rotation.Record
	Valid bool `json:"valid"`
}

type rotationsResponse struct {
	LeadID    string             `json:"lead_id"`
	Rotations []rotationResponse `json:"rotations"`
	Verified  bool               `json:"verified"`
	Problem   string             `json:"problem,omitempty"`
}

type callResponse struct {
	CallID             string  `json:"call_id"`
	StreamID           string  `json:"stream_id,omitempty"`
	LeadID             string  `json:"lead_id,omitempty"`
	Provider           string  `json:"provider"`
	PhoneIndex         int     `json:"phone_index"`
	Attempt            int     `json:"attempt"`
	Status             string  `json:"status"`
	HangupReason       string  `json:"hangup_reason,omitempty"`
	AMDResult          string  `json:"amd_result,omitempty"`
	AMDConfidence      float64 `json:"amd_confidence,omitempty"`
	VoicemailDelivered bool    `json:"voicemail_delivered"`
	DurationMs         int64   `json:"duration_ms"`
	StartedAt          string  `json:"started_at"`
	EndedAt            string  `json:"ended_at,omitempty"`
}

func toCallResponse(r *repository.CallRecord) callResponse {
	resp := callResponse{
		CallID:             r.CallID,
		StreamID:           r.StreamID,
		Provider:           r.Provider,
		PhoneIndex:         r.PhoneIndex,
		Attempt:            r.Attempt,
		Status:             string(r.Status),
		HangupReason:       r.HangupReason,
		AMDResult:          r.AMDResult,
		AMDConfidence:      r.AMDConfidence,
		VoicemailDelivered: r.VoicemailDelivered,
		DurationMs:         r.Duration.Milliseconds(),
		StartedAt:          r.StartedAt.UTC().Format(timeLayout),
	}
	if r.LeadID != uuid.Nil {
		resp.LeadID = r.LeadID.String()
	}
	if r.EndedAt != nil {
		resp.EndedAt = r.EndedAt.UTC().Format(timeLayout)
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func maxPhoneIndex(records []rotation.Record) int {
	max := 0
	for _, r := range records {
		if r.PhoneIndex > max {
			max = r.PhoneIndex
		}
	}
	return max
}
