package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	swagger "github.com/go-swagno/swagno-fiber/swagger"
	"github.com/saturnino-fabrica-de-software/commusage/internal/api/docs"
	"github.com/saturnino-fabrica-de-software/commusage/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/commusage/internal/api/middleware"
)

type Dependencies struct {
	Service  handler.UsageService
	Recorder handler.UsageRecorder
	Tokens   middleware.TokenValidator
	Ready    handler.ReadinessChecker

	CORSOrigins     string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Router struct {
	app         *fiber.App
	logger      *slog.Logger
	deps        *Dependencies
	rateLimiter *middleware.RateLimiter
}

func NewRouter(logger *slog.Logger, deps *Dependencies) *Router {
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(logger),
		AppName:      "Communication Usage API",
	})

	return &Router{
		app:    app,
		logger: logger,
		deps:   deps,
	}
}

func (r *Router) Setup() {
	origins := "*"
	var ready handler.ReadinessChecker
	if r.deps != nil {
		if r.deps.CORSOrigins != "" {
			origins = r.deps.CORSOrigins
		}
		ready = r.deps.Ready
	}

	// Global middlewares
	r.app.Use(requestid.New())
	r.app.Use(middleware.Recover(r.logger))
	r.app.Use(middleware.Logger(r.logger))
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Swagger documentation (no auth required)
	sw := docs.NewSwagger()
	swagger.SwaggerHandler(r.app, sw.MustToJson())

	// Health check endpoints (no auth required)
	healthHandler := handler.NewHealthHandler(ready)
	r.app.Get("/health", healthHandler.Health)
	r.app.Get("/ready", healthHandler.Ready)

	// Only configure authenticated routes if dependencies were provided
	if r.deps == nil {
		return
	}

	v1 := r.app.Group("/v1")

	v1.Use(middleware.Auth(middleware.AuthDependencies{
		Tokens: r.deps.Tokens,
		Logger: r.logger,
	}))

	// Rate limiting (per caller) - must come after auth to have the user in context
	r.rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Max:    r.deps.RateLimitMax,
		Window: r.deps.RateLimitWindow,
	})
	v1.Use(r.rateLimiter.Handler())

	usageHandler := handler.NewUsageHandler(r.deps.Service, r.deps.Recorder, r.logger)

	usageGroup := v1.Group("/usage")
	usageGroup.Post("/messages", usageHandler.RecordMessage)
	usageGroup.Post("/estimate", usageHandler.Estimate)
	usageGroup.Get("/summary", usageHandler.GetSummary)
	usageGroup.Get("/ledger", usageHandler.GetLedger)
}

func (r *Router) App() *fiber.App {
	return r.app
}

func (r *Router) Listen(addr string) error {
	return r.app.Listen(addr)
}

func (r *Router) Shutdown() error {
	// Stop rate limiter cleanup goroutine
	if r.rateLimiter != nil {
		r.rateLimiter.Stop()
	}

	return r.app.Shutdown()
}
