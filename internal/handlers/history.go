package handlers

import (
	"strconv"

	"github.com/ekurt/termgate/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type HistoryHandler struct {
	db *gorm.DB
}

func NewHistoryHandler(db *gorm.DB) *HistoryHandler {
	return &HistoryHandler{db: db}
}

// ListHistory returns the caller's paginated terminal session records,
// filterable by host.
func (h *HistoryHandler) ListHistory(c *fiber.Ctx) error {
	if h.db == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   true,
			"message": "Session history is not available without a database",
		})
	}

	owner, _ := c.Locals("username").(string)
	page, _ := strconv.Atoi(c.Query("page", "1"))
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	host := c.Query("host", "")

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	query := h.db.Model(&models.TerminalSession{}).Where("owner = ?", owner)
	if host != "" {
		query = query.Where("host = ?", host)
	}

	var total int64
	query.Count(&total)

	var records []models.TerminalSession
	if err := query.Order("started_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&records).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list session history",
		})
	}

	return c.JSON(fiber.Map{
		"sessions": records,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
