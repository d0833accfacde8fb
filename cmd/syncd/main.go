package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/GiovanoMP/chatwootai-sub005/internal/app"
	"github.com/GiovanoMP/chatwootai-sub005/internal/middleware"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Build every component; fails fast when Redis or Qdrant are unreachable
	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialise application: %v", err)
	}
	logger := application.Logger

	if err := application.Start(ctx); err != nil {
		logger.Error("Failed to start workers", "error", err)
		os.Exit(1)
	}
	logger.Info("Workers started", "count", cfg.Worker.Count, "queue", cfg.Queue.Name)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(application.Tracing.TracingMiddleware())
	router.Use(application.Metrics.PrometheusMiddleware())

	router.GET("/health", application.Health.Handler())
	router.GET("/healthz", application.Health.LivenessHandler())
	router.GET("/readyz", application.Health.ReadinessHandler())
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(application.Metrics.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting ops server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server forced to shutdown", "error", err)
	}
	if err := application.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
		os.Exit(1)
	}

	logger.Info("Exited")
}
