// Package main is the entry point for the notification API service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/notifyrelay/notifyrelay/internal/config"
	"github.com/notifyrelay/notifyrelay/internal/database"
	"github.com/notifyrelay/notifyrelay/internal/httpserver"
	"github.com/notifyrelay/notifyrelay/internal/middleware"
	"github.com/notifyrelay/notifyrelay/internal/monitoring"
	"github.com/notifyrelay/notifyrelay/internal/notification"
	"github.com/notifyrelay/notifyrelay/internal/provider"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

const (
	serviceName    = "notifyrelay-api"
	serviceVersion = "1.0.0"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	if err := telemetry.InitGlobalLogger(telemetry.LoadLogConfigFromEnv()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.LogFromContext(ctx).WithField("service", serviceName)

	otelConfig := telemetry.LoadConfigFromEnv()
	otelConfig.ServiceName = serviceName
	shutdownOtel, err := telemetry.InitializeOpenTelemetry(ctx, otelConfig)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer shutdownOtel()

	db := connectDatabase(cfg.DatabaseURL)
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("Failed to close database")
		}
	}()

	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	queue, err := notification.NewRedisQueue(cfg.QueueURL, cfg.QueueStreamName, cfg.QueueConsumerGroup)
	if err != nil {
		log.Fatalf("failed to connect to retry queue: %v", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.WithError(err).Error("Failed to close queue connection")
		}
	}()
	logger.Info("Retry queue connection established")

	metrics, err := telemetry.NewMetrics(queue.Depth)
	if err != nil {
		logger.WithError(err).Warn("Failed to register delivery metrics, continuing without them")
	}

	store := notification.NewPostgresStore(db)
	engine := notification.NewEngine(store, queue, metrics)
	service := notification.NewService(store, queue, engine, cfg.MaxRetryAttempts)
	registerProviders(service, cfg, logger)

	health := monitoring.NewHealthChecker(serviceName, serviceVersion)
	health.RegisterDatabaseCheck("database", db)
	health.RegisterQueueCheck("queue", queue)

	server := httpserver.New(httpserver.Options{
		Addr:          cfg.APIAddr(),
		ServiceName:   serviceName,
		Service:       service,
		HealthChecker: health,
		Logging:       middleware.DefaultLoggingConfig(),
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", cfg.APIAddr()).Info("HTTP API listening")
		if err := server.Start(); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("HTTP shutdown error")
		}

		logger.Info("Graceful shutdown completed")
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("Server error")
		os.Exit(1)
	}
}

// connectDatabase opens the instrumented pool, waiting for the database to
// come up so the service survives out-of-order container starts.
func connectDatabase(databaseURL string) *database.DB {
	const maxRetries = 30

	for i := 1; ; i++ {
		db, err := database.NewInstrumentedConnection(databaseURL)
		if err == nil {
			return db
		}
		if i == maxRetries {
			log.Fatalf("failed to connect to database after %d retries: %v", maxRetries, err)
		}
		log.Printf("Waiting for database... (%d/%d)", i, maxRetries)
		time.Sleep(1 * time.Second)
	}
}

// registerProviders wires the concrete channel providers. Providers with
// incomplete credentials stay registered and mock-deliver, so the cascade
// order is identical across environments.
func registerProviders(service *notification.Service, cfg config.Config, logger *telemetry.ContextualLogger) {
	service.RegisterProvider(provider.NewEmailProvider(cfg.SMTP))
	if !cfg.SMTP.Configured() {
		logger.Warn("SMTP credentials not set, email delivery runs in mock-success mode")
	}

	service.RegisterProvider(provider.NewSMSProvider(provider.SMSProviderConfig{Twilio: cfg.Twilio}))
	if !cfg.Twilio.Configured() {
		logger.Warn("Twilio credentials not set, SMS delivery runs in mock-success mode")
	}

	telegram, err := provider.NewTelegramProvider(cfg.Telegram)
	if err != nil {
		log.Fatalf("Failed to create telegram provider: %v", err)
	}
	service.RegisterProvider(telegram)
	if !cfg.Telegram.Configured() {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, telegram delivery runs in mock-success mode")
	}
}
