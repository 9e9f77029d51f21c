// cmd/photonicd/main.go
// Package main implements the entry point for the Photonic prefetch agent.
// It initializes all components, starts the background loops and the control
// API, and handles graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/photonic-rad/photonic-agent/internal/archive"
	"github.com/photonic-rad/photonic-agent/internal/cache"
	"github.com/photonic-rad/photonic-agent/internal/config"
	"github.com/photonic-rad/photonic-agent/internal/cred"
	"github.com/photonic-rad/photonic-agent/internal/download"
	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/pacs"
	"github.com/photonic-rad/photonic-agent/internal/pathconv"
	"github.com/photonic-rad/photonic-agent/internal/poll"
	"github.com/photonic-rad/photonic-agent/internal/server"
	"github.com/photonic-rad/photonic-agent/internal/storage"
	"github.com/photonic-rad/photonic-agent/internal/telemetry"
)

// version is stamped into telemetry resources; overridden at release time
// via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the agent
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("photonic-agent", version)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	// Initialize storage backends (PostgreSQL or in-memory)
	var (
		objects storage.ObjectStore
		queue   storage.QueueStore
		pool    *storage.Pool
	)
	if cfg.DatabaseDSN != "" {
		pool, err = storage.NewPool(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}

		// Optional ciphertext offload to S3-compatible object storage
		var backend storage.ArchiveBackend
		if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
			backend, err = archive.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
			if err != nil {
				logger.Error("failed to initialize archive backend", "error", err)
				os.Exit(1)
			}
		}
		objects = storage.NewPostgresObjects(pool, backend)
		queue = storage.NewPostgresQueue(pool)
	} else {
		objects = storage.NewMemoryObjects()
		queue = storage.NewMemoryQueue()
	}

	// Seed persisted settings on first boot
	ctx := context.Background()
	if _, err := queue.LoadSettings(ctx); errors.Is(err, storage.ErrNotFound) {
		if err := queue.SaveSettings(ctx, cfg.DefaultSettings()); err != nil {
			logger.Error("failed to seed settings", "error", err)
			os.Exit(1)
		}
	}

	m := metrics.NewMetrics()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, m)
	defer pub.Close()

	stop := download.NewKillSwitch()
	paths := pathconv.Select(os.Getenv("PHOTONIC_PATH_STYLE"))

	// PACS credentials: environment overrides the sealed credentials file
	var (
		provider  pacs.CredentialsProvider
		credsFile *cred.File
	)
	if cfg.PACSUsername != "" && cfg.PACSPassword != "" {
		provider = pacs.StaticCredentials{Username: cfg.PACSUsername, Password: cfg.PACSPassword}
	} else {
		credsPath := cfg.CredentialsPath
		if credsPath == "" {
			credsPath = filepath.Join(paths.HomeDir(), ".photonic", "credentials.json")
		}
		credsFile, err = cred.NewFile(credsPath, cfg.SealKey)
		if err != nil {
			logger.Error("failed to initialize credentials store", "error", err)
			os.Exit(1)
		}
		provider = credsFile
	}

	pacsClient := pacs.NewClient(cfg.PACSBaseURL, provider, stop, m, logger)

	// Background loops: cache governor and poll scheduler
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	governor := cache.NewGovernor(objects, queue, pub, m, logger)
	go governor.Run(runCtx)

	orch := download.NewOrchestrator(queue, objects, pacsClient, governor, pub, m, stop, paths, logger)
	engine := poll.NewEngine(pacsClient, queue, objects, orch, pub, m, logger)
	go engine.Run(runCtx)

	// Control API
	ctl := server.New(queue, orch, engine, stop, pacsClient, credsFile, m, logger)
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      ctl.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Minute, // Payload downloads can be large
	}

	go func() {
		logger.Info("agent starting", "addr", addr, "env", cfg.Env, "pacs", cfg.PACSBaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down agent")
	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if pool != nil {
		pool.Close()
	}

	logger.Info("agent exited")
}
