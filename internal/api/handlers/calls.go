package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/queue"
)

// immediateCall places a call right now, bypassing the queue. The full
// admission check runs synchronously and a denial comes back as 422.
func (h *HandlerSet) immediateCall(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	var req enqueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	req.ScheduledFor = nil

	input, err := toEnqueueInput(tenant, req)
	if err != nil {
		return err
	}

	call, err := h.queue.ImmediateCall(ctx.Context(), input)
	if err != nil {
		return translateError(ctx, err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toQueuedCallResponse(call))
}

type callOutcomeRequest struct {
	CallID         string `json:"call_id"`
	TenantID       string `json:"tenant_id"`
	ExternalCallID string `json:"external_call_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

// callOutcome receives the voice platform's completion callback and hands
// it to the outcome pipeline. The webhook only validates and acknowledges;
// the state transition happens in the outcome worker.
func (h *HandlerSet) callOutcome(ctx *fiber.Ctx) error {
	var req callOutcomeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := toOutcomeMessage(req, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := h.outcomes.Publish(ctx.Context(), msg); err != nil {
		h.container.Logger.Error("outcome webhook: publish", zap.Error(err),
			zap.String("call_id", msg.CallID.String()))
		return fiber.NewError(http.StatusServiceUnavailable, "outcome pipeline unavailable")
	}

	return ctx.SendStatus(http.StatusAccepted)
}

// toOutcomeMessage validates the callback payload. The tenant id travels
// with the message so the outcome worker's audit record is tenant-scoped
// without a second row lookup.
func toOutcomeMessage(req callOutcomeRequest, occurredAt time.Time) (queue.OutcomeMessage, error) {
	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		return queue.OutcomeMessage{}, fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return queue.OutcomeMessage{}, fiber.NewError(http.StatusBadRequest, "invalid tenant id")
	}
	if req.Status != queue.OutcomeCompleted && req.Status != queue.OutcomeFailed {
		return queue.OutcomeMessage{}, fiber.NewError(http.StatusBadRequest, "status must be completed or failed")
	}

	return queue.OutcomeMessage{
		CallID:         callID,
		TenantID:       tenantID,
		ExternalCallID: req.ExternalCallID,
		Status:         req.Status,
		Error:          req.Error,
		DurationMs:     req.DurationMs,
		OccurredAt:     occurredAt,
	}, nil
}
