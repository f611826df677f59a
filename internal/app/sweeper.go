/**
 * @description
 * The reconciliation sweeper repairs state left behind by partial failures. Each run
 * walks four passes: provider status polls for live orders, expiry of lapsed orders,
 * refund fix-ups for terminal orders missing their refund, and compensation of
 * reservations that never got a local record.
 *
 * @notes
 * - Runs are single-flight per process and, when a SweepLock is configured, across
 *   processes.
 * - A failure on one order is counted and skipped. Only failures to list work abort
 *   the run.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/provider"
	"golang.org/x/sync/singleflight"
)

// ErrSweepInProgress is returned when another sweep holds the run.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Sweep pass names used in reports.
const (
	PassPoll         = "poll"
	PassExpiry       = "expiry"
	PassFixup        = "fixup"
	PassCompensation = "compensation"
)

// SweepLock is a lock shared by every sweeper process.
type SweepLock interface {
	// Acquire takes the lock for ttl. ok is false when another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// Sweeper runs reconciliation passes through the coordinator's protocols.
type Sweeper struct {
	repo        store.Repository
	coordinator *Coordinator
	lock        SweepLock
	lockTTL     time.Duration
	logger      *slog.Logger

	running atomic.Bool
	group   singleflight.Group
}

// NewSweeper creates a Sweeper. lock may be nil.
func NewSweeper(repo store.Repository, coordinator *Coordinator, lock SweepLock, lockTTL time.Duration, logger *slog.Logger) *Sweeper {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Sweeper{
		repo:        repo,
		coordinator: coordinator,
		lock:        lock,
		lockTTL:     lockTTL,
		logger:      logger,
	}
}

// RunShared joins a run already started through RunShared instead of failing, so
// concurrent triggers share one report.
func (s *Sweeper) RunShared(ctx context.Context, opts domain.SweepOptions) (*domain.SweepReport, error) {
	key := fmt.Sprintf("sweep:dry=%t", opts.DryRun)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.Run(context.WithoutCancel(ctx), opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.SweepReport), nil
}

// Run performs one sweep. It returns ErrSweepInProgress if a run is already active.
func (s *Sweeper) Run(ctx context.Context, opts domain.SweepOptions) (*domain.SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, ok, err := s.lock.Acquire(ctx, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer release()
	}

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 72 * time.Hour
	}

	now := s.coordinator.now().UTC()
	report := &domain.SweepReport{
		RunID:      uuid.New(),
		DryRun:     opts.DryRun,
		StartedAt:  now,
		Candidates: []domain.SweepCandidate{},
	}
	logger := s.logger.With("run_id", report.RunID, "dry_run", opts.DryRun)
	logger.Info("starting reconciliation sweep")

	if opts.PollActive {
		if err := s.pollPass(ctx, opts, now, report); err != nil {
			return s.finish(logger, report, err)
		}
	}
	if err := s.expiryPass(ctx, opts, now, report); err != nil {
		return s.finish(logger, report, err)
	}
	if err := s.fixupPass(ctx, opts, now, report); err != nil {
		return s.finish(logger, report, err)
	}
	if err := s.compensationPass(ctx, opts, report); err != nil {
		return s.finish(logger, report, err)
	}
	return s.finish(logger, report, nil)
}

func (s *Sweeper) finish(logger *slog.Logger, report *domain.SweepReport, err error) (*domain.SweepReport, error) {
	report.FinishedAt = s.coordinator.now().UTC()
	if err != nil {
		logger.Error("reconciliation sweep aborted", "error", err)
		return report, err
	}
	logger.Info("reconciliation sweep finished",
		"expired", report.Expired,
		"cancelled", report.Cancelled,
		"fulfilled", report.Fulfilled,
		"flags_fixed", report.FlagsFixed,
		"credits_fixed", report.CreditsFixed,
		"compensated", report.Compensated,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"candidates", len(report.Candidates),
	)
	return report, nil
}

func (s *Sweeper) pollPass(ctx context.Context, opts domain.SweepOptions, now time.Time, report *domain.SweepReport) error {
	orders, err := s.repo.ListLiveActiveOrders(ctx, now, opts.Limit)
	if err != nil {
		return fmt.Errorf("list live orders: %w", err)
	}
	for i := range orders {
		order := &orders[i]
		status, err := s.coordinator.gateway.PollStatus(ctx, order.ExternalRef())
		if err != nil {
			report.Failed++
			report.Candidates = append(report.Candidates, candidate(PassPoll, order, "poll", err))
			s.logger.Warn("status poll failed", "order_id", order.ID, "error", err)
			continue
		}
		if status.State == provider.StateWaiting {
			continue
		}
		if opts.DryRun {
			report.Candidates = append(report.Candidates, candidate(PassPoll, order, "apply_"+string(status.State), nil))
			continue
		}
		result, outcome, err := s.coordinator.applyStatus(ctx, order, status)
		s.record(report, PassPoll, order, result, outcome, err)
	}
	return nil
}

func (s *Sweeper) expiryPass(ctx context.Context, opts domain.SweepOptions, now time.Time, report *domain.SweepReport) error {
	orders, err := s.repo.ListExpiredActiveOrders(ctx, now.Add(-opts.ExpiryGrace), opts.Limit)
	if err != nil {
		return fmt.Errorf("list expired orders: %w", err)
	}
	for i := range orders {
		order := &orders[i]
		if opts.DryRun {
			report.Candidates = append(report.Candidates, candidate(PassExpiry, order, "expire", nil))
			continue
		}
		result, outcome, err := s.coordinator.expire(ctx, order)
		s.record(report, PassExpiry, order, result, outcome, err)
	}
	return nil
}

func (s *Sweeper) fixupPass(ctx context.Context, opts domain.SweepOptions, now time.Time, report *domain.SweepReport) error {
	orders, err := s.repo.ListUnrefundedTerminalOrders(ctx, now.Add(-opts.MaxAge), opts.Limit)
	if err != nil {
		return fmt.Errorf("list unrefunded orders: %w", err)
	}
	for i := range orders {
		order := &orders[i]
		if opts.DryRun {
			report.Candidates = append(report.Candidates, candidate(PassFixup, order, "refund", nil))
			continue
		}
		result, outcome, err := s.coordinator.settle(ctx, order, order.Status)
		s.record(report, PassFixup, order, result, outcome, err)
	}
	return nil
}

func (s *Sweeper) compensationPass(ctx context.Context, opts domain.SweepOptions, report *domain.SweepReport) error {
	records, err := s.repo.ListOpenInconsistencies(ctx, opts.Limit)
	if err != nil {
		return fmt.Errorf("list inconsistencies: %w", err)
	}
	for _, record := range records {
		entry := domain.SweepCandidate{
			Pass:    PassCompensation,
			OrderID: record.OrderID,
			UserID:  record.UserID,
			Status:  string(record.Kind),
			Amount:  record.Amount,
			Action:  "cancel_reservation",
		}
		if opts.DryRun {
			report.Candidates = append(report.Candidates, entry)
			continue
		}
		if record.Provider != "" && record.Provider != s.coordinator.gateway.Name() {
			report.Skipped++
			continue
		}

		cancelErr := s.coordinator.gateway.Cancel(ctx, record.ExternalID)
		detail := "reservation cancelled by sweeper"
		if cancelErr != nil {
			detail = cancelErr.Error()
		}
		if err := s.repo.MarkInconsistencyAttempt(ctx, record.ID, cancelErr == nil, detail); err != nil {
			s.logger.Error("failed to update inconsistency", "inconsistency_id", record.ID, "error", err)
		}
		if cancelErr != nil {
			report.Failed++
			entry.Error = cancelErr.Error()
			s.logger.Warn("compensating cancel failed", "event", "fatal_inconsistency", "inconsistency_id", record.ID, "external_id", record.ExternalID, "error", cancelErr)
		} else {
			report.Compensated++
			s.logger.Info("orphaned reservation cancelled", "inconsistency_id", record.ID, "external_id", record.ExternalID)
		}
		report.Candidates = append(report.Candidates, entry)
	}
	return nil
}

func (s *Sweeper) record(report *domain.SweepReport, pass string, order, result *domain.Order, outcome settleOutcome, err error) {
	switch {
	case errors.Is(err, ErrOrderAlreadyTerminal), errors.Is(err, ErrOrderNotExpired):
		report.Skipped++
		return
	case err != nil:
		report.Failed++
		report.Candidates = append(report.Candidates, candidate(pass, order, "failed", err))
		s.logger.Warn("sweep action failed", "pass", pass, "order_id", order.ID, "error", err)
		return
	}

	if result != nil {
		order = result
	}
	action := ""
	switch outcome {
	case settleRefunded:
		action = "refunded"
		switch {
		case pass == PassFixup:
			report.CreditsFixed++
		case order.Status == domain.OrderStatusCancelled:
			report.Cancelled++
		default:
			report.Expired++
		}
	case settleFlagFixed:
		action = "flag_fixed"
		report.FlagsFixed++
	case settleFulfilled:
		action = "fulfilled"
		report.Fulfilled++
	default:
		report.Skipped++
		return
	}
	report.Candidates = append(report.Candidates, candidate(pass, order, action, nil))
}

func candidate(pass string, order *domain.Order, action string, err error) domain.SweepCandidate {
	c := domain.SweepCandidate{
		Pass:    pass,
		OrderID: order.ID,
		UserID:  order.UserID,
		Status:  string(order.Status),
		Amount:  order.Price,
		Action:  action,
	}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}
