package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/raffopenssh/austria-grid/internal/api/http"
	"github.com/raffopenssh/austria-grid/internal/config"
	"github.com/raffopenssh/austria-grid/internal/grid"
	"github.com/raffopenssh/austria-grid/internal/grid/fetchers"
	"github.com/raffopenssh/austria-grid/internal/scheduler"
	"github.com/raffopenssh/austria-grid/internal/store"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound API calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// Durable store.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	// Outbound clients with resilience (backoff + circuit breaker).
	entsoe := fetchers.NewEntsoeClient(httpClient, cfg.EntsoeBaseURL, cfg.EntsoeAPIToken)
	overpass := fetchers.NewOverpassClient(httpClient, cfg.OverpassURL)

	// Core service orchestrating ingestion and queries.
	registry := grid.NewRegistry(cfg.Series)
	service := grid.NewService(db, registry, cfg.StaleTolerance)

	// Scheduler that periodically fetches and stores data.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(service, db, entsoe, overpass, scheduler.Options{
		Workers:     cfg.FetchWorkers,
		GeoInterval: cfg.GeoRefreshInterval,
	})
	if err := sched.Start(rootCtx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "austria-grid",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "austria-grid",
			"jobs":    sched.JobStates(),
		})
	})

	// Pipeline metrics.
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes.
	httpapi.RegisterRoutes(app, service)

	// Start server with graceful shutdown
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
