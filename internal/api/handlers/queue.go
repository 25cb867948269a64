package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
	queuesvc "github.com/acme/outbound-dispatch/internal/service/queue"
)

type enqueueRequest struct {
	PhoneNumber   string         `json:"phone_number"`
	Purpose       string         `json:"purpose"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

type queuedCallResponse struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	PhoneNumber    string         `json:"phone_number"`
	Purpose        string         `json:"purpose"`
	AppointmentID  *uuid.UUID     `json:"appointment_id,omitempty"`
	Message        string         `json:"message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	ExternalCallID *string        `json:"external_call_id,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (h *HandlerSet) enqueueCall(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	var req enqueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toEnqueueInput(tenant, req)
	if err != nil {
		return err
	}

	call, err := h.queue.Enqueue(ctx.Context(), input)
	if err != nil {
		return translateError(ctx, err)
	}

	return ctx.Status(http.StatusCreated).JSON(toQueuedCallResponse(call))
}

func (h *HandlerSet) listQueue(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	filter := repository.ListFilter{Limit: ctx.QueryInt("limit")}

	if raw := ctx.Query("status"); raw != "" {
		status := domain.CallStatus(raw)
		filter.Status = &status
	}
	if raw := ctx.Query("purpose"); raw != "" {
		purpose := domain.CallPurpose(raw)
		filter.Purpose = &purpose
	}
	if raw := ctx.Query("appointment_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid appointment id")
		}
		filter.AppointmentID = &id
	}
	if raw := ctx.Query("after_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id cursor")
		}
		filter.AfterID = &id
	}

	calls, err := h.queue.List(ctx.Context(), tenant, filter)
	if err != nil {
		return translateError(ctx, err)
	}

	items := make([]queuedCallResponse, 0, len(calls))
	for _, call := range calls {
		items = append(items, toQueuedCallResponse(call))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": items})
}

func (h *HandlerSet) getQueuedCall(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	call, err := h.queue.Get(ctx.Context(), tenant, id)
	if err != nil {
		return translateError(ctx, err)
	}
	return ctx.Status(http.StatusOK).JSON(toQueuedCallResponse(call))
}

type attemptResponse struct {
	ID             uuid.UUID `json:"id"`
	AttemptNum     int       `json:"attempt_num"`
	Accepted       bool      `json:"accepted"`
	FailureClass   string    `json:"failure_class,omitempty"`
	ExternalCallID string    `json:"external_call_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	DurationMs     int64     `json:"duration_ms"`
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	attempts, err := h.queue.Attempts(ctx.Context(), tenant, id, ctx.QueryInt("limit"))
	if err != nil {
		return translateError(ctx, err)
	}

	items := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, attemptResponse{
			ID:             a.ID,
			AttemptNum:     a.AttemptNum,
			Accepted:       a.Accepted,
			FailureClass:   string(a.FailureClass),
			ExternalCallID: a.ExternalCallID,
			Error:          a.Error,
			OccurredAt:     a.OccurredAt,
			DurationMs:     a.Duration.Milliseconds(),
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"attempts": items})
}

func (h *HandlerSet) rescheduleCall(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	var req rescheduleRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.ScheduledFor.IsZero() {
		return fiber.NewError(http.StatusBadRequest, "scheduled_for is required")
	}

	call, err := h.queue.Reschedule(ctx.Context(), tenant, id, req.ScheduledFor)
	if err != nil {
		return translateError(ctx, err)
	}
	return ctx.Status(http.StatusOK).JSON(toQueuedCallResponse(call))
}

func (h *HandlerSet) cancelCall(ctx *fiber.Ctx) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	outcome, call, err := h.queue.Cancel(ctx.Context(), tenant, id)
	if err != nil {
		return translateError(ctx, err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"outcome": cancelOutcomeLabel(outcome),
		"call":    toQueuedCallResponse(call),
	})
}

func cancelOutcomeLabel(outcome repository.CancelOutcome) string {
	switch outcome {
	case repository.CancelledNow:
		return "cancelled"
	case repository.CancelRequested:
		return "cancel_requested"
	case repository.CancelTooLate:
		return "too_late"
	default:
		return "unknown"
	}
}

func toEnqueueInput(tenant uuid.UUID, req enqueueRequest) (queuesvc.EnqueueInput, error) {
	input := queuesvc.EnqueueInput{
		TenantID:    tenant,
		PhoneNumber: req.PhoneNumber,
		Purpose:     domain.CallPurpose(req.Purpose),
		Message:     req.Message,
		Metadata:    req.Metadata,
	}
	if req.ScheduledFor != nil {
		input.ScheduledFor = *req.ScheduledFor
	}
	if req.AppointmentID != "" {
		id, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			return input, fiber.NewError(http.StatusBadRequest, "invalid appointment id")
		}
		input.AppointmentID = &id
	}
	return input, nil
}

func toQueuedCallResponse(call *domain.QueuedCall) queuedCallResponse {
	return queuedCallResponse{
		ID:             call.ID,
		TenantID:       call.TenantID,
		PhoneNumber:    call.PhoneNumber,
		Purpose:        string(call.Purpose),
		AppointmentID:  call.AppointmentID,
		Message:        call.Message,
		Metadata:       call.Metadata,
		ScheduledFor:   call.ScheduledFor,
		Status:         string(call.Status),
		Attempts:       call.Attempts,
		MaxAttempts:    call.MaxAttempts,
		NextRetryAt:    call.NextRetryAt,
		ExternalCallID: call.ExternalCallID,
		LastError:      call.LastError,
		CreatedAt:      call.CreatedAt,
		UpdatedAt:      call.UpdatedAt,
	}
}
