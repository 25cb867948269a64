package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-dispatch/internal/repository"
	queuesvc "github.com/acme/outbound-dispatch/internal/service/queue"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

func translateError(ctx *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	var denied *queuesvc.DeniedError
	if errors.As(err, &denied) {
		body := fiber.Map{"reason": string(denied.Decision.Reason)}
		if denied.Decision.Limit > 0 {
			body["used"] = denied.Decision.Used
			body["limit"] = denied.Decision.Limit
		}
		return ctx.Status(http.StatusUnprocessableEntity).JSON(body)
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrConflict) || errors.Is(err, repository.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
