package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"costwatch-go/internal/config"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	// Handlers
	ingestHandler  *IngestHandler
	costHandler    *CostHandler
	anomalyHandler *AnomalyHandler
	cacheHandler   *CacheHandler
	storageHandler *StorageHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config         *config.ServerConfig
	Logger         *slog.Logger
	IngestHandler  *IngestHandler
	CostHandler    *CostHandler
	AnomalyHandler *AnomalyHandler
	CacheHandler   *CacheHandler
	StorageHandler *StorageHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	// Create Fiber app with optimized settings for high throughput
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable strict routing for consistency
		StrictRouting: true,
		// Case sensitive routing
		CaseSensitive: true,
		// Read timeout from config
		ReadTimeout: deps.Config.ReadTimeout,
		// Write timeout from config
		WriteTimeout: deps.Config.WriteTimeout,
		// Idle timeout from config
		IdleTimeout: deps.Config.IdleTimeout,
		// Custom error handler
		ErrorHandler: customErrorHandler,
	})

	s := &Server{
		app:            app,
		config:         deps.Config,
		logger:         deps.Logger,
		ingestHandler:  deps.IngestHandler,
		costHandler:    deps.CostHandler,
		anomalyHandler: deps.AnomalyHandler,
		cacheHandler:   deps.CacheHandler,
		storageHandler: deps.StorageHandler,
	}

	// Register middleware
	s.registerMiddleware()

	// Register routes
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	// Logger middleware for request logging
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health check endpoint (outside versioned API)
	s.app.Get("/healthz", s.healthCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.app.Group("/v1")

	// Usage ingestion
	v1.Post("/usage", s.ingestHandler.IngestUsage)
	v1.Post("/usage/batch", s.ingestHandler.IngestBatch)

	// Cost views (served through the aggregation cache)
	v1.Get("/costs/daily", s.costHandler.DailyCosts)
	v1.Get("/costs/kpis", s.costHandler.CostKPIs)
	v1.Get("/costs/top-services", s.costHandler.TopServices)

	// Anomaly detection
	v1.Get("/anomalies", s.anomalyHandler.List)
	v1.Get("/anomalies/summary", s.anomalyHandler.Summary)
	v1.Post("/anomalies/detect", s.anomalyHandler.Detect)

	// Cache administration
	v1.Get("/cache/stats", s.cacheHandler.Stats)
	v1.Post("/cache/cleanup", s.cacheHandler.Cleanup)
	v1.Delete("/cache", s.cacheHandler.InvalidateAll)
	v1.Delete("/cache/kinds/:kind", s.cacheHandler.InvalidateKind)

	// Storage lifecycle
	v1.Get("/storage", s.storageHandler.Info)
	v1.Get("/storage/settings", s.storageHandler.GetSettings)
	v1.Put("/storage/settings", s.storageHandler.PutSettings)
	v1.Post("/storage/cleanup", s.storageHandler.Cleanup)
	v1.Post("/storage/purge", s.storageHandler.Purge)
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the underlying fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		return Error(c, e.Code, ErrCodeInternalError, e.Message)
	}

	// Default to internal server error
	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
