package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/bridge"
	"github.com/acme/lead-call-engine/internal/callstate"
	"github.com/acme/lead-call-engine/internal/normalizer"
	"github.com/acme/lead-call-engine/internal/repository"
	"github.com/acme/lead-call-engine/internal/rotation"
)

// CallTracker applies webhook observations and serves tracked sessions.
type CallTracker interface {
	Apply(ctx context.Context, u callstate.Update) (callstate.Snapshot, error)
	Get(callID string) (callstate.Snapshot, bool)
}

// BridgeRegistry lists live bridges.
type BridgeRegistry interface {
	ActiveBridges() []*bridge.Bridge
}

// StreamStats reports live media-stream connections.
type StreamStats interface {
	ActiveConnections() int
}

// History serves persisted calls and rotation audit records.
type History interface {
	GetCall(ctx context.Context, callID string) (*repository.CallRecord, error)
	ListRotations(ctx context.Context, leadID uuid.UUID, limit int) ([]rotation.Record, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Normalizer *normalizer.Normalizer
	Tracker    CallTracker
	Bridges    BridgeRegistry
	Streams    StreamStats
	History    History
	Health     map[string]HealthCheck
	Logger     *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	normalizer *normalizer.Normalizer
	tracker    CallTracker
	bridges    BridgeRegistry
	streams    StreamStats
	history    History
	health     map[string]HealthCheck
	logger     *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandlerSet{
		normalizer: deps.Normalizer,
		tracker:    deps.Tracker,
		bridges:    deps.Bridges,
		streams:    deps.Streams,
		history:    deps.History,
		health:     deps.Health,
		logger:     logger,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	app.Post("/webhooks/:provider", h.webhook)

	v1 := app.Group("/api").Group("/v1")
	v1.Get("/bridges", h.listBridges)
	v1.Get("/calls/:callId", h.getCall)
	v1.Get("/leads/:id/rotations", h.listRotations)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make(map[string]string)
	for _, name := range names {
		if err := h.health[name](healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
