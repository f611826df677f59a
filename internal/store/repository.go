/**
 * @description
 * This file defines the data access contract for the rental service. Every mutation
 * of a user's balance or orders goes through `WithAccountLock`, which serialises
 * callers on that user's ledger account and commits their writes as one unit.
 *
 * @notes
 * - Returning an error from the unit-of-work callback discards every write made in it.
 * - Reads outside a unit of work observe only committed state.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rental-service/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("ledger account not found")
	ErrAccountExists           = errors.New("ledger account already exists")
	ErrOrderNotFound           = errors.New("order not found")
	ErrEntryNotFound           = errors.New("ledger entry not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrNegativeBalance         = errors.New("entry would make balance negative")
	ErrInconsistencyNotFound   = errors.New("inconsistency not found")
)

// AccountTx is the view of storage available while a user's account lock is held.
// All methods operate on the locked user's data only.
type AccountTx interface {
	// Account returns the locked account as of the current point in the unit of work.
	Account() domain.LedgerAccount
	// CountActiveOrders counts the user's orders in the active status.
	CountActiveOrders(ctx context.Context) (int, error)
	// FindEntryByKey returns the entry recorded under key, or ErrEntryNotFound.
	FindEntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error)
	// AppendEntry records the entry and applies its amount to the balance. It fills
	// ID, BalanceAfter and CreatedAt when empty.
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	// InsertOrder persists a new order for the locked user.
	InsertOrder(ctx context.Context, order *domain.Order) error
	// LockOrder loads one of the locked user's orders for update.
	LockOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	// UpdateOrder writes status, code, refunded and metadata for an order loaded with LockOrder.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// Repository defines the persistence operations required by the rental service.
type Repository interface {
	// WithAccountLock runs fn while holding the exclusive lock on userID's account and
	// commits everything fn wrote if it returns nil.
	WithAccountLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx AccountTx) error) error

	CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.LedgerAccount, error)
	FindAccount(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
	SumEntries(ctx context.Context, userID uuid.UUID) (sum int64, count int, err error)

	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderForUser(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error)
	ListOrdersForUser(ctx context.Context, userID uuid.UUID, filter domain.OrderListFilter) ([]domain.Order, error)
	// ListExpiredActiveOrders returns active, unrefunded orders with expires_at before cutoff.
	ListExpiredActiveOrders(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	// ListLiveActiveOrders returns active orders that have not expired at now.
	ListLiveActiveOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	// ListUnrefundedTerminalOrders returns cancelled or expired orders with refunded=false
	// created after since.
	ListUnrefundedTerminalOrders(ctx context.Context, since time.Time, limit int) ([]domain.Order, error)

	RecordInconsistency(ctx context.Context, record *domain.Inconsistency) error
	ListOpenInconsistencies(ctx context.Context, limit int) ([]domain.Inconsistency, error)
	MarkInconsistencyAttempt(ctx context.Context, id uuid.UUID, resolved bool, detail string) error
}
