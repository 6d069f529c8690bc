package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

const version = "0.1.0"

// ReadinessChecker reports whether the ledger store is reachable
type ReadinessChecker func(ctx context.Context) error

type HealthHandler struct {
	ready ReadinessChecker
}

// NewHealthHandler with a nil checker always reports ready.
func NewHealthHandler(ready ReadinessChecker) *HealthHandler {
	return &HealthHandler{ready: ready}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Version: version,
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if h.ready != nil {
		if err := h.ready(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(HealthResponse{
				Status: "unavailable",
				Error:  "database unreachable",
			})
		}
	}

	return c.JSON(HealthResponse{
		Status: "ready",
	})
}
