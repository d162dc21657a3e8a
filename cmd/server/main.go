// Package main provides the API server entry point for the account
// aggregation service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/account-aggregator/internal/adapter"
	"github.com/account-aggregator/internal/api"
	"github.com/account-aggregator/internal/backoff"
	"github.com/account-aggregator/internal/config"
	"github.com/account-aggregator/internal/logging"
	"github.com/account-aggregator/internal/service"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Credential store: Postgres when reachable, in-memory otherwise so
	// local development does not require a database.
	var credentials service.CredentialStore
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Warn("Postgres unavailable, using in-memory credential store")
		credentials = storage.NewMemoryCredentialStore()
	} else {
		defer postgres.Close()
		credentials = storage.NewCredentialRepository(postgres)
		logger.Info("Connected to Postgres")
	}

	// Session store: Redis when reachable, in-memory otherwise.
	var sessions service.SessionStore
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, using in-memory session store")
		sessions = storage.NewMemorySessionStore(cfg.Diagnostics.SessionTTL)
	} else {
		defer redis.Close()
		sessions = storage.NewRedisSessionStore(redis, cfg.Diagnostics.SessionTTL)
		logger.Info("Connected to Redis")
	}

	// Initialize provider adapters
	adapters := make(map[types.Provider]adapter.ProviderAdapter)

	if cfg.Providers.Bank.BaseURL != "" {
		bank, err := adapter.NewBankClient(&adapter.BankClientConfig{
			BaseURL:           cfg.Providers.Bank.BaseURL,
			RequestsPerSecond: cfg.Providers.Bank.RequestsPerSecond,
			Timeout:           cfg.Providers.Bank.Timeout,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create bank adapter")
		}
		adapters[types.ProviderBank] = bank
		logger.WithField("baseUrl", cfg.Providers.Bank.BaseURL).Info("Bank adapter initialized")
	} else {
		logger.Warn("BANK_API_URL not set, bank provider disabled")
	}

	if cfg.Providers.Brokerage.BaseURL != "" {
		brokerage, err := adapter.NewBrokerageClient(&adapter.BrokerageClientConfig{
			BaseURL:           cfg.Providers.Brokerage.BaseURL,
			RequestsPerSecond: cfg.Providers.Brokerage.RequestsPerSecond,
			Timeout:           cfg.Providers.Brokerage.Timeout,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create brokerage adapter")
		}
		adapters[types.ProviderBrokerage] = brokerage
		logger.WithField("baseUrl", cfg.Providers.Brokerage.BaseURL).Info("Brokerage adapter initialized")
	} else {
		logger.Warn("BROKERAGE_API_URL not set, brokerage provider disabled")
	}

	if len(adapters) == 0 {
		logger.Fatal("No provider adapters configured")
	}

	// One backoff controller per process, shared across all aggregation calls
	controller, err := backoff.NewController(&backoff.Config{
		Base:        cfg.Backoff.Base,
		Cap:         cfg.Backoff.Cap,
		MinSpacing:  cfg.Backoff.MinSpacing,
		QuietWindow: cfg.Backoff.QuietWindow,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create backoff controller")
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go controller.StartJanitor(rootCtx)

	// Initialize services
	aggregation := service.NewAggregationService(adapters, credentials, controller, service.AggregationOptions{
		OverallTimeout:   cfg.Aggregation.OverallTimeout,
		RateLimitRetries: cfg.Aggregation.RateLimitRetries,
		TransientRetries: cfg.Aggregation.TransientRetries,
	})
	diagnostics := service.NewDiagnosticsService(adapters, credentials, sessions, service.DiagnosticsOptions{
		ProbeTimeout:  cfg.Diagnostics.ProbeTimeout,
		ProbeInterval: cfg.Diagnostics.ProbeInterval,
	})
	repair := service.NewRepairService(adapters, credentials, sessions)

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, aggregation, diagnostics, repair, credentials)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
