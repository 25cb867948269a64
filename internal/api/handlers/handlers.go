// Package handlers implements the administrative HTTP surface of the
// dispatch queue. Every queue route is tenant-scoped through the
// X-Tenant-ID header.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/app"
	"github.com/acme/outbound-dispatch/internal/queue"
	queuesvc "github.com/acme/outbound-dispatch/internal/service/queue"
)

const tenantHeader = "X-Tenant-ID"

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	queue     *queuesvc.Service
	outcomes  *queue.OutcomePublisher
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return &HandlerSet{
		container: container,
		queue:     container.Services().Queue,
		outcomes:  container.Publishers().Outcome,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	q := v1.Group("/queue")
	q.Post("/", h.enqueueCall)
	q.Get("/", h.listQueue)
	q.Get("/:id", h.getQueuedCall)
	q.Get("/:id/attempts", h.listAttempts)
	q.Post("/:id/reschedule", h.rescheduleCall)
	q.Post("/:id/cancel", h.cancelCall)

	calls := v1.Group("/calls")
	calls.Post("/", h.immediateCall)

	webhooks := v1.Group("/webhooks")
	webhooks.Post("/call-outcome", h.callOutcome)
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
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}

// tenantID extracts and validates the tenant scope of the request.
func tenantID(ctx *fiber.Ctx) (uuid.UUID, error) {
	raw := ctx.Get(tenantHeader)
	if raw == "" {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "missing "+tenantHeader+" header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid "+tenantHeader+" header")
	}
	return id, nil
}
