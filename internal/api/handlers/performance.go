/**
 * @description
 * Performance API Handlers.
 * Read-only views over paper orders, daily accuracy metrics and input data quality.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 */

package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/services"
)

const (
	defaultWindowDays = 30
	maxWindowDays     = 365
)

type PerformanceHandler struct {
	Service *services.PerformanceService
	Now     func() time.Time
}

func NewPerformanceHandler(service *services.PerformanceService) *PerformanceHandler {
	return &PerformanceHandler{
		Service: service,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func windowDays(c *fiber.Ctx) int {
	days := c.QueryInt("days", defaultWindowDays)
	if days < 1 {
		return 1
	}
	if days > maxWindowDays {
		return maxWindowDays
	}
	return days
}

func serverError(c *fiber.Ctx, msg string, err error) error {
	logger.Error("%s: %v", msg, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msg})
}

// GetSummary returns order flow, exposure and realized P&L
// GET /api/v1/performance/summary
func (h *PerformanceHandler) GetSummary(c *fiber.Ctx) error {
	summary, err := h.Service.Summary(c.Context(), h.Now())
	if err != nil {
		return serverError(c, "Failed to load performance summary", err)
	}
	return c.JSON(summary)
}

// GetHistory returns daily order counts and notional
// GET /api/v1/performance/history?days=
func (h *PerformanceHandler) GetHistory(c *fiber.Ctx) error {
	days, err := h.Service.History(c.Context(), windowDays(c), h.Now())
	if err != nil {
		return serverError(c, "Failed to load order history", err)
	}
	return c.JSON(fiber.Map{"days": days})
}

// GetAccuracy returns forecast accuracy over the window
// GET /api/v1/performance/accuracy?days=
func (h *PerformanceHandler) GetAccuracy(c *fiber.Ctx) error {
	acc, err := h.Service.Accuracy(c.Context(), windowDays(c), h.Now())
	if err != nil {
		return serverError(c, "Failed to load accuracy", err)
	}
	return c.JSON(acc)
}

// GetAccuracyHistory returns one accuracy and P&L point per day
// GET /api/v1/performance/accuracy/history?days=
func (h *PerformanceHandler) GetAccuracyHistory(c *fiber.Ctx) error {
	days, err := h.Service.AccuracyHistory(c.Context(), windowDays(c), h.Now())
	if err != nil {
		return serverError(c, "Failed to load accuracy history", err)
	}
	return c.JSON(fiber.Map{"days": days})
}

// GetRecentOrders lists the newest paper orders
// GET /api/v1/performance/orders?limit=
func (h *PerformanceHandler) GetRecentOrders(c *fiber.Ctx) error {
	orders, err := h.Service.RecentOrders(c.Context(), c.QueryInt("limit", 0))
	if err != nil {
		return serverError(c, "Failed to load orders", err)
	}
	return c.JSON(fiber.Map{"orders": orders, "count": len(orders)})
}

// GetDataQuality scores input freshness and coverage
// GET /api/v1/data-quality
func (h *PerformanceHandler) GetDataQuality(c *fiber.Ctx) error {
	dq, err := h.Service.DataQuality(c.Context(), h.Now())
	if err != nil {
		return serverError(c, "Failed to load data quality", err)
	}
	return c.JSON(dq)
}

// GetDataProvenance lists per-source freshness and per-city coverage
// GET /api/v1/data-provenance
func (h *PerformanceHandler) GetDataProvenance(c *fiber.Ctx) error {
	snapshot, err := h.Service.Provenance(c.Context(), h.Now())
	if err != nil {
		return serverError(c, "Failed to load data provenance", err)
	}
	return c.JSON(snapshot)
}
