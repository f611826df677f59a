/**
 * @description
 * Scheduled job implementations for the scheduler-service process.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/rental-service/internal/domain"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper *Sweeper
	logger  *slog.Logger
	options domain.SweepOptions
	timeout time.Duration
}

// NewJobs creates a new Jobs runner. timeout bounds a single sweep.
func NewJobs(sweeper *Sweeper, logger *slog.Logger, options domain.SweepOptions, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
		options: options,
		timeout: timeout,
	}
}

// ReconcileOrders is the job that expires lapsed orders and repairs missing refunds.
func (j *Jobs) ReconcileOrders() {
	j.logger.Info("starting order reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.sweeper.Run(ctx, j.options)
	if err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			j.logger.Info("order reconciliation skipped; another sweep is running")
			return
		}
		j.logger.Error("order reconciliation job failed", "error", err)
		return
	}

	j.logger.Info("order reconciliation job finished", "run_id", report.RunID, "mutations", report.Mutations(), "failed", report.Failed)
}
