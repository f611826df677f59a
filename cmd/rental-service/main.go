/**
 * @description
 * Entry point for the rental service. It serves the HTTP API and consumes confirmed
 * deposit events from RabbitMQ.
 */
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

	"github.com/transfa/rental-service/internal/api"
	"github.com/transfa/rental-service/internal/app"
	"github.com/transfa/rental-service/internal/bootstrap"
	"github.com/transfa/rental-service/internal/config"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := bootstrap.CheckInternalAuth(cfg); err != nil {
		logger.Error("refusing to start with unauthenticated internal routes", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to connect deposit consumer; deposits arrive by webhook only", "error", err)
		} else {
			defer consumer.Close()
			deposits := app.NewDepositConsumer(services.Coordinator, logger)
			err = consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.DepositEventQueue, map[string]func([]byte) bool{
				domain.RoutingKeyDepositConfirmed: deposits.HandleMessage,
			})
			if err != nil {
				logger.Error("failed to start deposit consumer", "error", err)
			} else {
				logger.Info("deposit consumer started", "queue", cfg.DepositEventQueue)
			}
		}
	}

	handler := api.NewHandler(services.Coordinator, services.Sweeper, api.HandlerOptions{
		WebhookSecret: cfg.PaymentWebhookSecret,
		SweepDefaults: bootstrap.SweepOptions(cfg),
	})
	router, err := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimit:      cfg.HTTPRateLimit,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
