/**
 * @description
 * Entry point for the rental scheduler. This is a non-HTTP, long-running process that
 * runs the reconciliation sweep on the SWEEP_SCHEDULE cron schedule.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/transfa/rental-service/internal/app"
	"github.com/transfa/rental-service/internal/bootstrap"
	"github.com/transfa/rental-service/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	services, err := bootstrap.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	jobs := app.NewJobs(services.Sweeper, logger, bootstrap.SweepOptions(cfg), cfg.SweepLockTTL())
	scheduler := app.NewScheduler(jobs, logger, cfg.SweepSchedule)

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err, "schedule", cfg.SweepSchedule)
		os.Exit(1)
	}
	logger.Info("scheduler started", "schedule", cfg.SweepSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
