package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/experiment"
	"github.com/campaign-agent/backend/internal/pipeline"
	"github.com/campaign-agent/backend/internal/storage/sqlite"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
)

// respondError maps err onto a status code. Only validation messages are
// returned to the caller; everything else gets a generic message.
func respondError(c *fiber.Ctx, err error, action string) error {
	status := fiber.StatusInternalServerError
	message := "Failed to " + action

	switch {
	case errors.Is(err, sqlite.ErrNotFound), errors.Is(err, experiment.ErrNotFound):
		status = fiber.StatusNotFound
		message = "Not found"
	case errors.Is(err, pipeline.ErrRunInProgress):
		status = fiber.StatusConflict
		message = "A run for this campaign is already in progress"
	default:
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			status = fiber.StatusBadRequest
			message = err.Error()
		case apperr.KindTransient:
			status = fiber.StatusServiceUnavailable
			message = "Upstream service unavailable, retry later"
		case apperr.KindCancelled:
			status = fiber.StatusRequestTimeout
			message = "Request cancelled"
		}
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.String("action", action),
			zap.Error(err),
		)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": message,
	})
}
