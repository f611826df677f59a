package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/rental-service/internal/domain"
)

// DepositConsumer credits deposits confirmed by the payment collaborator over RabbitMQ.
type DepositConsumer struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

func NewDepositConsumer(coordinator *Coordinator, logger *slog.Logger) *DepositConsumer {
	return &DepositConsumer{coordinator: coordinator, logger: logger.With("component", "deposit_consumer")}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.coordinator.Deposit(ctx, domain.DepositRequest{
		UserID:    event.UserID,
		Amount:    event.Amount,
		Reference: event.Reference,
		Currency:  event.Currency,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAlreadyApplied):
		c.logger.Info("duplicate deposit ignored", "reference", event.Reference)
		return true
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrAccountNotFound):
		c.logger.Error("deposit rejected; dropping", "reference", event.Reference, "user_id", event.UserID, "error", err)
		return true
	default:
		c.logger.Warn("deposit failed; will retry", "reference", event.Reference, "error", err)
		return false
	}
}
