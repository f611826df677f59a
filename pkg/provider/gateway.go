/**
 * @description
 * Package provider defines the contract the rental core uses to talk to an external
 * number-provisioning service, together with the closed error taxonomy every concrete
 * client must map its responses into.
 *
 * @notes
 * - Provider prices are decimals in the provider's currency (USD for the supported
 *   providers). Conversion to home minor units happens in the core.
 */
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Criteria selects the number to reserve.
type Criteria struct {
	Service   string
	Country   string
	Operator  string
	MaxPrice  decimal.Decimal // zero means no cap
	AreaCodes []string
	Carriers  []string
}

// Reservation is a successful reservation on the provider side.
type Reservation struct {
	ExternalID  string
	PhoneNumber string
	Cost        decimal.Decimal
	Currency    string
	ExpiresAt   time.Time // zero when the provider does not report one
	Metadata    map[string]string
}

// State is the provider-side state of a reservation as seen by a status poll.
type State string

const (
	StateWaiting   State = "waiting"
	StateFulfilled State = "fulfilled"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
	StateNotFound  State = "not_found"
)

// Status is the result of a status poll. Code is set for StateFulfilled.
type Status struct {
	State State
	Code  string
	Text  string
}

// IsGone reports whether the provider no longer holds the reservation.
func (s Status) IsGone() bool {
	return s.State == StateExpired || s.State == StateNotFound
}

// Gateway is implemented by provider clients.
type Gateway interface {
	// Name identifies the provider in stored orders and logs.
	Name() string
	Reserve(ctx context.Context, criteria Criteria) (*Reservation, error)
	// Cancel releases a reservation. A reservation the provider already released or
	// no longer knows about counts as cancelled.
	Cancel(ctx context.Context, externalID string) error
	PollStatus(ctx context.Context, externalID string) (*Status, error)
}
