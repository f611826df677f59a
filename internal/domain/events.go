package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the rental events exchange.
const (
	RoutingKeyOrderCreated          = "rental.order.created"
	RoutingKeyOrderCancelled        = "rental.order.cancelled"
	RoutingKeyOrderExpired          = "rental.order.expired"
	RoutingKeyOrderFulfilled        = "rental.order.fulfilled"
	RoutingKeyDepositCredited       = "rental.deposit.credited"
	RoutingKeyInconsistencyDetected = "rental.inconsistency.detected"
	RoutingKeyDepositConfirmed      = "payment.deposit.confirmed"
)

// OrderEvent is published whenever an order changes state.
type OrderEvent struct {
	OrderID   uuid.UUID   `json:"order_id"`
	UserID    uuid.UUID   `json:"user_id"`
	Status    OrderStatus `json:"status"`
	Price     int64       `json:"price"`
	Currency  string      `json:"currency"`
	Refunded  bool        `json:"refunded"`
	Timestamp time.Time   `json:"timestamp"`
}

// DepositEvent is consumed from the payment collaborator and published after a
// deposit is credited.
type DepositEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOrderEvent builds the event for the current state of o.
func NewOrderEvent(o *Order, at time.Time) OrderEvent {
	return OrderEvent{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Status:    o.Status,
		Price:     o.Price,
		Currency:  o.Currency,
		Refunded:  o.Refunded,
		Timestamp: at,
	}
}
