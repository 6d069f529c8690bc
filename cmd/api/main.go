package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saturnino-fabrica-de-software/commusage/internal/api"
	"github.com/saturnino-fabrica-de-software/commusage/internal/audit"
	"github.com/saturnino-fabrica-de-software/commusage/internal/auth"
	"github.com/saturnino-fabrica-de-software/commusage/internal/config"
	"github.com/saturnino-fabrica-de-software/commusage/internal/database"
	"github.com/saturnino-fabrica-de-software/commusage/internal/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := config.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("starting communication usage API",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := database.MigrateUp(ctx, cfg.DatabaseURL, cfg.DatabaseName, logger); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	poolCfg := database.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DatabaseMaxConns
	poolCfg.MinConns = cfg.DatabaseMinConns

	pool, err := database.NewPool(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	usageService := usage.NewService(
		usage.NewRepository(pool),
		audit.NewSlogLogger(logger),
		logger,
	)

	recorderCfg := usage.DefaultRecorderConfig()
	recorderCfg.BufferSize = cfg.RecorderBufferSize
	recorderCfg.WriteTimeout = cfg.RecorderWriteTimeout

	recorder := usage.NewRecorder(usageService, logger, recorderCfg)
	recorder.Start()

	// Setup router
	router := api.NewRouter(logger, &api.Dependencies{
		Service:  usageService,
		Recorder: recorder,
		Tokens:   auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL),
		Ready: func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		},
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	router.Setup()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("server listening", slog.String("addr", addr))
		if err := router.Listen(addr); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		recorder.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server...")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := router.Shutdown(); err != nil {
			logger.Error("shutdown error", slog.Any("error", err))
		}
		// Flush queued usage events before the pool closes
		recorder.Stop()
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out")
	}

	logger.Info("server stopped")

	return nil
}
