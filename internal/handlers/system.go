package handlers

import (
	"github.com/ekurt/termgate/internal/services"
	"github.com/gofiber/fiber/v2"
)

const Version = "1.0.0"

type SystemHandler struct {
	registry *services.Registry
}

func NewSystemHandler(registry *services.Registry) *SystemHandler {
	return &SystemHandler{registry: registry}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "ok",
		"version":       Version,
		"live_sessions": h.registry.Len(),
	})
}
