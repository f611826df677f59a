package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/transfa/rental-service/internal/ledger"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/provider"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrPurchaseLimitExceeded = errors.New("active order limit reached")
	ErrPurchaseRateLimited   = errors.New("too many purchase attempts")
	ErrOrderAlreadyTerminal  = errors.New("order is already in a terminal state")
	ErrOrderNotExpired       = errors.New("order has not expired")

	ErrProviderRateLimited      = errors.New("provider rate limited the request")
	ErrProviderUnavailable      = errors.New("provider unavailable")
	ErrProviderRejected         = errors.New("provider rejected the request")
	ErrNoInventory              = errors.New("no numbers available for the requested criteria")
	ErrAmbiguousProviderOutcome = errors.New("provider outcome unknown")

	// ErrPersistenceAfterProviderSuccess means a reservation was made but could not be
	// recorded locally. Compensation has been attempted and the case logged.
	ErrPersistenceAfterProviderSuccess = errors.New("order could not be recorded after provider reservation")

	// Re-exported so callers of the coordinator need a single error vocabulary.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrAlreadyApplied      = ledger.ErrAlreadyApplied
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrAccountExists       = store.ErrAccountExists
	ErrOrderNotFound       = store.ErrOrderNotFound
)

// RetryAfterError carries the wait a throttled caller should observe.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// mapProviderError translates the provider taxonomy into coordinator errors. The
// provider error stays in the chain for logging.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch provider.KindOf(err) {
	case provider.KindRateLimited:
		sentinel = ErrProviderRateLimited
	case provider.KindNoInventory:
		sentinel = ErrNoInventory
	case provider.KindInvalidParams:
		sentinel = ErrProviderRejected
	case provider.KindAmbiguous:
		sentinel = ErrAmbiguousProviderOutcome
	default:
		sentinel = ErrProviderUnavailable
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
