/**
 * @description
 * API Route definitions.
 * Sets up the router groups and assigns handlers.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - github.com/gofiber/fiber/v2/middleware/adaptor: serves promhttp under fiber
 * - backend/internal/api/handlers
 * - backend/internal/services
 */

package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kalbot-project/backend/internal/api/handlers"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// SetupRoutes configures all API routes. hub must already be listening; the caller
// owns its lifetime. gatherer backs GET /metrics.
func SetupRoutes(app *fiber.App, db *gorm.DB, rdb *redis.Client, cfg *config.Config, hub *services.SignalStreamHub, rec *metrics.Recorder, gatherer prometheus.Gatherer) {
	// 1. Initialize Services
	training := services.NewTrainingService(db, cfg)
	signalService := services.NewSignalService(db, rdb, cfg, training, rec)
	performanceService := services.NewPerformanceService(db, cfg)

	// 2. Initialize Handlers
	healthHandler := handlers.NewHealthHandler(db, rdb)
	signalHandler := handlers.NewSignalHandler(signalService, hub)
	performanceHandler := handlers.NewPerformanceHandler(performanceService)

	// 3. Define Routes
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/api").Group("/v1")
	v1.Get("/health", healthHandler.GetHealth)

	sigs := v1.Group("/signals")
	sigs.Get("/current", signalHandler.GetCurrentSignals)
	sigs.Get("/stream", signalHandler.StreamSignals)
	v1.Get("/playbook", signalHandler.GetPlaybook)

	perf := v1.Group("/performance")
	perf.Get("/summary", performanceHandler.GetSummary)
	perf.Get("/history", performanceHandler.GetHistory)
	perf.Get("/accuracy", performanceHandler.GetAccuracy)
	perf.Get("/accuracy/history", performanceHandler.GetAccuracyHistory)
	perf.Get("/orders", performanceHandler.GetRecentOrders)

	v1.Get("/data-quality", performanceHandler.GetDataQuality)
	v1.Get("/data-provenance", performanceHandler.GetDataProvenance)
}
