package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		// Check if it's a Fiber error
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(errorBody(c, "HTTP_ERROR", fiberErr.Message))
		}

		// Check if it's our AppError
		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			if appErr.StatusCode >= 500 {
				logger.Error("internal error",
					slog.String("code", appErr.Code),
					slog.String("message", appErr.Message),
					slog.String("request_id", requestID(c)),
					slog.Any("error", appErr.Err),
				)
			}

			return c.Status(appErr.StatusCode).JSON(errorBody(c, appErr.Code, appErr.Message))
		}

		// Unknown error - log and return generic message
		logger.Error("unhandled error",
			slog.Any("error", err),
			slog.String("path", c.Path()),
			slog.String("request_id", requestID(c)),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(c, "INTERNAL_ERROR", "An unexpected error occurred"))
	}
}

func errorBody(c *fiber.Ctx, code, message string) fiber.Map {
	body := fiber.Map{
		"code":    code,
		"message": message,
	}
	if id := requestID(c); id != "" {
		body["request_id"] = id
	}
	return fiber.Map{"error": body}
}

// requestID reads the id set by the requestid middleware, if any.
func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
