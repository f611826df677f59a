/**
 * @description
 * This file defines the order model for leased phone numbers and the lifecycle
 * state machine every order follows.
 *
 * @notes
 * - Prices are int64 minor units of the order's currency (kobo for NGN) and are
 *   fixed when the order is created.
 * - `Requested` is never persisted; an order row only exists once both the provider
 *   reservation and the ledger debit have been committed.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusRequested OrderStatus = "requested"
	OrderStatusActive    OrderStatus = "active"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusRequested, OrderStatusActive, OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusRequested:
		return next == OrderStatusActive
	case OrderStatusActive:
		return next == OrderStatusFulfilled || next == OrderStatusCancelled || next == OrderStatusExpired
	default:
		return false
	}
}

// Order is a leased phone number. It maps to the `orders` table.
type Order struct {
	ID               uuid.UUID       `json:"id"`
	ExternalID       *string         `json:"external_id,omitempty"`
	UserID           uuid.UUID       `json:"user_id"`
	Provider         string          `json:"provider"`
	Service          string          `json:"service"`
	Country          string          `json:"country,omitempty"`
	PhoneNumber      string          `json:"phone_number"`
	Status           OrderStatus     `json:"status"`
	Price            int64           `json:"price"` // minor units of Currency
	Currency         string          `json:"currency"`
	ProviderCost     string          `json:"provider_cost,omitempty"` // decimal, provider currency
	Code             *string         `json:"code,omitempty"`
	Refunded         bool            `json:"refunded"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CodeDelivered reports whether the provider ever delivered a verification code.
func (o *Order) CodeDelivered() bool {
	return o.Code != nil && *o.Code != ""
}

// IsExpiredAt reports whether the order lifetime has elapsed at t.
func (o *Order) IsExpiredAt(t time.Time) bool {
	return !o.ExpiresAt.After(t)
}

// RefundKey returns the idempotency key used to refund the order for its current
// status. Orders that are not refundable return an empty key.
func (o *Order) RefundKey() string {
	switch o.Status {
	case OrderStatusCancelled:
		return CancelKey(o.ID)
	case OrderStatusExpired:
		return ExpireKey(o.ID)
	default:
		return ""
	}
}

// ExternalRef returns the provider's id for the order or an empty string.
func (o *Order) ExternalRef() string {
	if o.ExternalID == nil {
		return ""
	}
	return *o.ExternalID
}

// PurchaseRequest is the DTO for incoming number purchase requests.
type PurchaseRequest struct {
	Service   string   `json:"service" validate:"required,min=1,max=32"`
	Country   string   `json:"country" validate:"omitempty,max=32"`
	Operator  string   `json:"operator" validate:"omitempty,max=32"`
	AreaCodes []string `json:"area_codes" validate:"omitempty,max=10,dive,numeric,len=3"`
	Carriers  []string `json:"carriers" validate:"omitempty,max=3,dive,oneof=tmo vz att"`
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status OrderStatus
	Limit  int
	Offset int
}
