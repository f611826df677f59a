/**
 * @description
 * This file contains the order coordinator: the purchase, cancel and expire protocols
 * that keep a user's ledger account consistent with reservations held by the external
 * number provider.
 *
 * @notes
 * - Purchase holds the account lock across the provider reservation so the balance
 *   check and the reservation agree with each other.
 * - Cancel and expire confirm with the provider before taking the lock.
 * - Every refund is guarded twice: by the order's `refunded` flag and by the ledger
 *   idempotency key derived from the order id.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/ledger"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/provider"
	"github.com/transfa/rental-service/pkg/rabbitmq"
)

// PurchaseLimiter throttles purchase attempts per user.
type PurchaseLimiter interface {
	Allow(ctx context.Context, userID uuid.UUID) error
}

// CoordinatorConfig holds the policy parameters of the order coordinator.
type CoordinatorConfig struct {
	// MaxActiveOrders caps simultaneously active orders per user. Zero disables the cap.
	MaxActiveOrders int
	// OrderLifetime is used when the provider reports no later expiry.
	OrderLifetime time.Duration
	// EventsExchange receives order and deposit events.
	EventsExchange string
	// CompensationTimeout bounds the compensating cancel after a failed purchase commit.
	CompensationTimeout time.Duration
}

// Coordinator orchestrates orders across the ledger and the provider gateway.
type Coordinator struct {
	repo      store.Repository
	ledger    *ledger.Ledger
	gateway   provider.Gateway
	pricer    *Pricer
	publisher rabbitmq.Publisher
	limiter   PurchaseLimiter
	validate  *validator.Validate
	logger    *slog.Logger
	cfg       CoordinatorConfig
	now       func() time.Time
}

// NewCoordinator creates a Coordinator. publisher and limiter may be nil.
func NewCoordinator(
	repo store.Repository,
	gateway provider.Gateway,
	pricer *Pricer,
	publisher rabbitmq.Publisher,
	limiter PurchaseLimiter,
	logger *slog.Logger,
	cfg CoordinatorConfig,
) *Coordinator {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if cfg.OrderLifetime <= 0 {
		cfg.OrderLifetime = 5 * time.Minute
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.EventsExchange) == "" {
		cfg.EventsExchange = "rental.events"
	}
	return &Coordinator{
		repo:      repo,
		ledger:    ledger.New(repo),
		gateway:   gateway,
		pricer:    pricer,
		publisher: publisher,
		limiter:   limiter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Ledger exposes the ledger the coordinator writes through.
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// Purchase reserves a number for the user and charges the quoted price.
func (c *Coordinator) Purchase(ctx context.Context, userID uuid.UUID, req domain.PurchaseRequest) (*domain.Order, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Service = strings.ToLower(strings.TrimSpace(req.Service))
	req.Country = strings.ToLower(strings.TrimSpace(req.Country))

	if err := c.checkPurchaseRate(ctx, userID); err != nil {
		return nil, err
	}

	quote := c.pricer.Quote(req.Service)
	orderID := uuid.New()

	var (
		order       *domain.Order
		reservation *provider.Reservation
	)
	err := c.repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx store.AccountTx) error {
		if c.cfg.MaxActiveOrders > 0 {
			active, err := tx.CountActiveOrders(ctx)
			if err != nil {
				return fmt.Errorf("count active orders: %w", err)
			}
			if active >= c.cfg.MaxActiveOrders {
				return ErrPurchaseLimitExceeded
			}
		}

		account := tx.Account()
		if account.Currency != quote.Currency {
			return fmt.Errorf("%w: account currency %s cannot pay %s", ErrInvalidRequest, account.Currency, quote.Currency)
		}
		if account.Balance < quote.Amount {
			return ErrInsufficientBalance
		}

		res, err := c.gateway.Reserve(ctx, provider.Criteria{
			Service:   req.Service,
			Country:   req.Country,
			Operator:  req.Operator,
			MaxPrice:  quote.MaxCost,
			AreaCodes: req.AreaCodes,
			Carriers:  req.Carriers,
		})
		if err != nil {
			return mapProviderError(err)
		}
		reservation = res

		o := c.buildOrder(orderID, userID, req, quote, res)
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := ledger.DebitTx(ctx, tx, ledger.Mutation{
			Amount:         quote.Amount,
			Type:           domain.EntryTypePurchase,
			IdempotencyKey: domain.PurchaseKey(orderID),
			OrderID:        &orderID,
			Description:    fmt.Sprintf("%s number %s", req.Service, res.PhoneNumber),
		}); err != nil {
			return fmt.Errorf("debit purchase: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		if reservation == nil {
			return nil, err
		}
		kept, compErr := c.compensate(ctx, userID, orderID, quote, reservation, err)
		if compErr != nil {
			return nil, compErr
		}
		order = kept
	}

	c.logger.Info("order purchased", "order_id", order.ID, "user_id", userID, "service", order.Service, "price", order.Price, "external_id", order.ExternalRef())
	c.publish(ctx, domain.RoutingKeyOrderCreated, domain.NewOrderEvent(order, c.now().UTC()))
	return order, nil
}

func (c *Coordinator) buildOrder(orderID, userID uuid.UUID, req domain.PurchaseRequest, quote PriceQuote, res *provider.Reservation) *domain.Order {
	now := c.now().UTC()
	expiresAt := now.Add(c.cfg.OrderLifetime)
	if res.ExpiresAt.After(expiresAt) {
		expiresAt = res.ExpiresAt.UTC()
	}

	metadata := make(map[string]string, len(res.Metadata)+1)
	for k, v := range res.Metadata {
		metadata[k] = v
	}
	if res.Currency != "" {
		metadata["cost_currency"] = res.Currency
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		rawMetadata = nil
	}

	if home := c.pricer.HomeCost(res.Cost); home > quote.Amount {
		c.logger.Warn("provider cost exceeds quoted price", "order_id", orderID, "service", req.Service, "quote", quote.Amount, "cost_home", home)
	}

	externalID := res.ExternalID
	return &domain.Order{
		ID:               orderID,
		ExternalID:       &externalID,
		UserID:           userID,
		Provider:         c.gateway.Name(),
		Service:          req.Service,
		Country:          req.Country,
		PhoneNumber:      res.PhoneNumber,
		Status:           domain.OrderStatusActive,
		Price:            quote.Amount,
		Currency:         quote.Currency,
		ProviderCost:     res.Cost.String(),
		ProviderMetadata: rawMetadata,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		UpdatedAt:        now,
	}
}

// compensate runs after a reservation succeeded but the local commit did not.
// It returns the order when the commit turns out to have applied.
func (c *Coordinator) compensate(ctx context.Context, userID, orderID uuid.UUID, quote PriceQuote, res *provider.Reservation, cause error) (*domain.Order, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
	defer cancel()

	// A commit can fail after the database applied it.
	if existing, err := c.repo.FindOrderByID(cctx, orderID); err == nil {
		c.logger.Warn("order committed despite reported failure", "order_id", orderID, "user_id", userID, "error", cause)
		return existing, nil
	}

	c.logger.Error("order persistence failed after provider reservation; compensating",
		"order_id", orderID, "user_id", userID, "provider", c.gateway.Name(), "external_id", res.ExternalID, "error", cause)

	cancelErr := c.gateway.Cancel(cctx, res.ExternalID)
	if cancelErr == nil {
		c.logger.Warn("compensating cancel succeeded", "order_id", orderID, "external_id", res.ExternalID)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceAfterProviderSuccess, cause)
	}

	c.logger.Error("compensating cancel failed; reservation has no local record",
		"event", "fatal_inconsistency", "order_id", orderID, "user_id", userID,
		"provider", c.gateway.Name(), "external_id", res.ExternalID, "amount", quote.Amount, "error", cancelErr)

	record := &domain.Inconsistency{
		Kind:       domain.InconsistencyOrphanedReservation,
		UserID:     userID,
		OrderID:    orderID,
		Provider:   c.gateway.Name(),
		ExternalID: res.ExternalID,
		Amount:     quote.Amount,
		Detail:     fmt.Sprintf("persist: %v; cancel: %v", cause, cancelErr),
	}
	if err := c.repo.RecordInconsistency(cctx, record); err != nil {
		c.logger.Error("failed to record inconsistency", "event", "fatal_inconsistency", "order_id", orderID, "external_id", res.ExternalID, "error", err)
	}
	c.publish(cctx, domain.RoutingKeyInconsistencyDetected, record)
	return nil, fmt.Errorf("%w: %w", ErrPersistenceAfterProviderSuccess, cause)
}

// Cancel releases an active order at the provider and refunds it.
func (c *Coordinator) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	order, err := c.repo.FindOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, ErrOrderAlreadyTerminal
	}

	if ref := order.ExternalRef(); ref != "" {
		if err := c.gateway.Cancel(ctx, ref); err != nil {
			// A concurrent cancel or sweep may have finished the order meanwhile.
			if current, lookupErr := c.repo.FindOrderByID(ctx, orderID); lookupErr == nil && current.Status.IsTerminal() {
				return current, ErrOrderAlreadyTerminal
			}
			c.logger.Warn("provider cancel failed; order left active", "order_id", orderID, "user_id", userID, "error", err)
			return nil, mapProviderError(err)
		}
	}

	result, _, err := c.settle(ctx, order, domain.OrderStatusCancelled)
	return result, err
}

// ExpireOrder runs the expire protocol on one order whose lifetime has passed.
func (c *Coordinator) ExpireOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := c.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result, _, err := c.expire(ctx, order)
	return result, err
}

func (c *Coordinator) expire(ctx context.Context, order *domain.Order) (*domain.Order, settleOutcome, error) {
	if order.Status.IsTerminal() {
		return order, settleNoop, ErrOrderAlreadyTerminal
	}
	if !order.IsExpiredAt(c.now()) {
		return order, settleNoop, ErrOrderNotExpired
	}

	status, err := c.gateway.PollStatus(ctx, order.ExternalRef())
	if err != nil {
		// Cancel is refused by the provider once a code arrived, so it still guards the refund.
		c.logger.Warn("status poll failed before expiry; trying cancel", "order_id", order.ID, "error", err)
		return c.cancelAndExpire(ctx, order)
	}
	return c.applyStatus(ctx, order, status)
}

// RefreshOrder polls the provider and applies what it reports.
func (c *Coordinator) RefreshOrder(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	order, err := c.repo.FindOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}
	status, err := c.gateway.PollStatus(ctx, order.ExternalRef())
	if err != nil {
		return nil, mapProviderError(err)
	}
	result, _, err := c.applyStatus(ctx, order, status)
	return result, err
}

func (c *Coordinator) applyStatus(ctx context.Context, order *domain.Order, status *provider.Status) (*domain.Order, settleOutcome, error) {
	switch {
	case status.State == provider.StateFulfilled && strings.TrimSpace(status.Code) != "":
		return c.markFulfilled(ctx, order, status)
	case status.State == provider.StateCancelled:
		return c.settle(ctx, order, domain.OrderStatusCancelled)
	case status.State == provider.StateExpired, status.State == provider.StateNotFound:
		return c.settle(ctx, order, domain.OrderStatusExpired)
	default:
		// A fulfilled status without a code is treated as still waiting.
		if order.IsExpiredAt(c.now()) {
			return c.cancelAndExpire(ctx, order)
		}
		return order, settleNoop, nil
	}
}

func (c *Coordinator) cancelAndExpire(ctx context.Context, order *domain.Order) (*domain.Order, settleOutcome, error) {
	if err := c.gateway.Cancel(ctx, order.ExternalRef()); err != nil {
		return order, settleNoop, mapProviderError(err)
	}
	return c.settle(ctx, order, domain.OrderStatusExpired)
}

// settleOutcome records what settle changed.
type settleOutcome int

const (
	settleNoop settleOutcome = iota
	settleRefunded
	settleFlagFixed
	settleFulfilled
)

// settle moves an order to a refundable terminal status and credits the refund once.
// An order already in Cancelled or Expired keeps its status and only gets the refund.
func (c *Coordinator) settle(ctx context.Context, order *domain.Order, target domain.OrderStatus) (*domain.Order, settleOutcome, error) {
	var (
		result  *domain.Order
		outcome = settleNoop
	)
	err := c.repo.WithAccountLock(ctx, order.UserID, func(ctx context.Context, tx store.AccountTx) error {
		current, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		result = current
		if current.Refunded {
			return nil
		}

		switch current.Status {
		case domain.OrderStatusActive:
			if target == domain.OrderStatusExpired && current.CodeDelivered() {
				current.Status = domain.OrderStatusFulfilled
				if err := tx.UpdateOrder(ctx, current); err != nil {
					return fmt.Errorf("update order: %w", err)
				}
				outcome = settleFulfilled
				return nil
			}
			if !current.Status.CanTransition(target) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidRequest, current.Status, target)
			}
			current.Status = target
		case domain.OrderStatusCancelled, domain.OrderStatusExpired:
		default:
			return ErrOrderAlreadyTerminal
		}

		current.Refunded = true
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		_, err = ledger.CreditTx(ctx, tx, ledger.Mutation{
			Amount:         current.Price,
			Type:           domain.EntryTypeRefund,
			IdempotencyKey: current.RefundKey(),
			OrderID:        &current.ID,
			Description:    fmt.Sprintf("refund for %s order", current.Status),
		})
		switch {
		case err == nil:
			outcome = settleRefunded
		case errors.Is(err, ledger.ErrAlreadyApplied):
			outcome = settleFlagFixed
		default:
			return fmt.Errorf("credit refund: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderAlreadyTerminal) {
			return result, settleNoop, err
		}
		return nil, settleNoop, err
	}

	switch outcome {
	case settleRefunded, settleFlagFixed:
		c.logger.Info("order refunded", "order_id", result.ID, "user_id", result.UserID, "status", result.Status, "amount", result.Price, "credit_written", outcome == settleRefunded)
		c.publish(ctx, routingKeyFor(result.Status), domain.NewOrderEvent(result, c.now().UTC()))
	case settleFulfilled:
		c.logger.Info("order fulfilled", "order_id", result.ID, "user_id", result.UserID)
		c.publish(ctx, domain.RoutingKeyOrderFulfilled, domain.NewOrderEvent(result, c.now().UTC()))
	}
	return result, outcome, nil
}

func (c *Coordinator) markFulfilled(ctx context.Context, order *domain.Order, status *provider.Status) (*domain.Order, settleOutcome, error) {
	var (
		result  *domain.Order
		changed bool
	)
	err := c.repo.WithAccountLock(ctx, order.UserID, func(ctx context.Context, tx store.AccountTx) error {
		current, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		result = current
		if current.Status != domain.OrderStatusActive {
			return nil
		}
		code := strings.TrimSpace(status.Code)
		current.Code = &code
		current.Status = domain.OrderStatusFulfilled
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, settleNoop, err
	}
	if !changed {
		return result, settleNoop, nil
	}
	c.logger.Info("order fulfilled", "order_id", result.ID, "user_id", result.UserID)
	c.publish(ctx, domain.RoutingKeyOrderFulfilled, domain.NewOrderEvent(result, c.now().UTC()))
	return result, settleFulfilled, nil
}

// Deposit credits a confirmed payment. A repeated reference returns the first receipt
// together with ErrAlreadyApplied.
func (c *Coordinator) Deposit(ctx context.Context, req domain.DepositRequest) (*ledger.Receipt, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, c.pricer.Currency()) {
		return nil, fmt.Errorf("%w: deposits must be in %s", ErrInvalidRequest, c.pricer.Currency())
	}

	receipt, err := c.ledger.Credit(ctx, req.UserID, ledger.Mutation{
		Amount:         req.Amount,
		Type:           domain.EntryTypeDeposit,
		IdempotencyKey: domain.DepositKey(strings.TrimSpace(req.Reference)),
		Description:    "deposit " + req.Reference,
	})
	if err != nil {
		return receipt, err
	}

	c.logger.Info("deposit credited", "user_id", req.UserID, "amount", req.Amount, "reference", req.Reference, "balance", receipt.Balance)
	c.publish(ctx, domain.RoutingKeyDepositCredited, domain.DepositEvent{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  c.pricer.Currency(),
		Reference: req.Reference,
		Timestamp: c.now().UTC(),
	})
	return receipt, nil
}

// ChargePenalty debits a penalty if the balance covers it.
func (c *Coordinator) ChargePenalty(ctx context.Context, req domain.PenaltyRequest) (*ledger.Receipt, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	receipt, err := c.ledger.TryDebit(ctx, req.UserID, ledger.Mutation{
		Amount:         req.Amount,
		Type:           domain.EntryTypePenalty,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Replayed {
		c.logger.Info("penalty charged", "user_id", req.UserID, "amount", req.Amount, "reason", req.Reason)
	}
	return receipt, nil
}

// OpenAccount creates the user's ledger account in the home currency.
func (c *Coordinator) OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.LedgerAccount, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, c.pricer.Currency()) {
		return nil, fmt.Errorf("%w: accounts are held in %s", ErrInvalidRequest, c.pricer.Currency())
	}
	return c.ledger.OpenAccount(ctx, req.UserID, c.pricer.Currency())
}

// Account returns the user's ledger account.
func (c *Coordinator) Account(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	return c.repo.FindAccount(ctx, userID)
}

// ListEntries returns the user's ledger entries, newest first.
func (c *Coordinator) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	return c.repo.ListEntries(ctx, userID, limit, offset)
}

// GetOrder returns one of the user's orders.
func (c *Coordinator) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	return c.repo.FindOrderForUser(ctx, orderID, userID)
}

// ListOrders returns the user's orders, newest first.
func (c *Coordinator) ListOrders(ctx context.Context, userID uuid.UUID, filter domain.OrderListFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	return c.repo.ListOrdersForUser(ctx, userID, filter)
}

// Audit compares the user's balance against the entry log.
func (c *Coordinator) Audit(ctx context.Context, userID uuid.UUID) (*domain.AccountAudit, error) {
	return c.ledger.Verify(ctx, userID)
}

func (c *Coordinator) checkPurchaseRate(ctx context.Context, userID uuid.UUID) error {
	if c.limiter == nil {
		return nil
	}
	err := c.limiter.Allow(ctx, userID)
	if err == nil || errors.Is(err, ErrPurchaseRateLimited) {
		return err
	}
	c.logger.Warn("purchase rate limiter unavailable; allowing request", "user_id", userID, "error", err)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, routingKey string, body interface{}) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(pctx, c.cfg.EventsExchange, routingKey, body); err != nil {
		c.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func routingKeyFor(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusCancelled:
		return domain.RoutingKeyOrderCancelled
	case domain.OrderStatusExpired:
		return domain.RoutingKeyOrderExpired
	case domain.OrderStatusFulfilled:
		return domain.RoutingKeyOrderFulfilled
	default:
		return domain.RoutingKeyOrderCreated
	}
}
