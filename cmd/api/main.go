/**
 * @description
 * Main entry point for the Kalbot API.
 * Initializes the Fiber web server, loads configuration, and sets up routes.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: Web framework
 * - github.com/kalbot-project/backend/internal/config: Config loader
 * - github.com/kalbot-project/backend/internal/db: Database connections
 *
 * @notes
 * - Connects to Postgres and Redis on startup.
 * - Sets up basic middleware (CORS, Logger, Recover).
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kalbot-project/backend/internal/api"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Fatal("Failed to configure logger: %v", err)
	}

	// 2. Initialize Database Connections
	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres: %v", err)
	}

	redisClient, err := db.ConnectRedis(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	hub := services.NewSignalStreamHub(redisClient, services.SignalPublishedChannel)
	rec := metrics.New()

	// 3. Initialize Fiber App
	app := fiber.New(fiber.Config{
		AppName:       "Kalbot Signals",
		StrictRouting: true,
		CaseSensitive: true,
	})

	// 4. Global Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, OPTIONS",
	}))

	// 5. Routes
	api.SetupRoutes(app, pgDB, redisClient, cfg, hub, rec, prometheus.DefaultGatherer)

	// 6. Start Server
	go func() {
		logger.Info("🚀 Starting Kalbot API on port %s", cfg.Server.Port)
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// 7. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down API...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Error shutting down server: %v", err)
	}
	hub.Close()
	logger.Info("API exited.")
}
