// cmd/healthfundd/main.go
// Package main implements the entry point for the HealthFund service.
// It wires configuration, storage, the workflow ledger, event publishing, the
// deadline scheduler and the HTTP server, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/config"
	"github.com/Pawar-007/healthfund-go/internal/event"
	"github.com/Pawar-007/healthfund-go/internal/jobs"
	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/Pawar-007/healthfund-go/internal/pinning"
	"github.com/Pawar-007/healthfund-go/internal/server"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/Pawar-007/healthfund-go/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Structured logging; debug level in development
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// OpenTelemetry
	_, err = telemetry.InitTracer("healthfund-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Storage backend: PostgreSQL in production, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// The workflow ledger; every state transition goes through it
	l := ledger.New(store, cfg.OwnerAddress, ledger.Policy{
		MinGoalAmount: cfg.MinGoalAmount,
		AllowOverfund: cfg.AllowOverfund,
	})

	// Event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Document staging store for presigned uploads
	var pinClient *pinning.Client
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		pinClient, err = pinning.New(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize pinning client", "error", err)
			os.Exit(1)
		}
	}

	// Daily sweep hiding expired unfunded requests
	var scheduler *jobs.Scheduler
	if cfg.SweepSpec != "" {
		scheduler, err = jobs.NewScheduler(l, cfg.SweepSpec)
		if err != nil {
			logger.Error("failed to initialize deadline scheduler", "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	mux := server.NewMux(l, pub, nil, pinClient, cfg)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "owner", l.Owner())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
