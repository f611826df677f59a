/**
 * @description
 * This file provides an in-memory implementation of the `Repository` interface. It is
 * used for local development (STORE_DRIVER=memory) and throughout the test suites.
 *
 * @notes
 * - Each account has a one-slot semaphore that plays the role of the row lock, so
 *   waiting for it honours context cancellation.
 * - Writes made inside a unit of work are staged and only applied on success.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rental-service/internal/domain"
)

// MemoryRepository keeps all state in process memory.
type MemoryRepository struct {
	mu              sync.RWMutex
	accounts        map[uuid.UUID]domain.LedgerAccount
	entries         map[uuid.UUID][]domain.LedgerEntry
	keys            map[string]domain.LedgerEntry
	orders          map[uuid.UUID]domain.Order
	inconsistencies map[uuid.UUID]domain.Inconsistency

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{}
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:        make(map[uuid.UUID]domain.LedgerAccount),
		entries:         make(map[uuid.UUID][]domain.LedgerEntry),
		keys:            make(map[string]domain.LedgerEntry),
		orders:          make(map[uuid.UUID]domain.Order),
		inconsistencies: make(map[uuid.UUID]domain.Inconsistency),
		locks:           make(map[uuid.UUID]chan struct{}),
	}
}

func (r *MemoryRepository) accountLock(userID uuid.UUID) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[userID]
	if !ok {
		lock = make(chan struct{}, 1)
		r.locks[userID] = lock
	}
	return lock
}

// WithAccountLock serialises fn with every other unit of work on the same account.
func (r *MemoryRepository) WithAccountLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx AccountTx) error) error {
	lock := r.accountLock(userID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	r.mu.RLock()
	account, ok := r.accounts[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}

	tx := &memoryTx{
		repo:    r,
		account: account,
		orders:  make(map[uuid.UUID]domain.Order),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range tx.entries {
		if _, exists := r.keys[entry.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	userID := tx.account.UserID
	for _, entry := range tx.entries {
		r.keys[entry.IdempotencyKey] = entry
		r.entries[userID] = append(r.entries[userID], entry)
	}
	for id, order := range tx.orders {
		r.orders[id] = order
	}
	if len(tx.entries) > 0 {
		tx.account.UpdatedAt = time.Now().UTC()
	}
	r.accounts[userID] = tx.account
	return nil
}

// CreateAccount opens a ledger account with a zero balance.
func (r *MemoryRepository) CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.LedgerAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[userID]; exists {
		return nil, ErrAccountExists
	}
	now := time.Now().UTC()
	account := domain.LedgerAccount{UserID: userID, Currency: currency, CreatedAt: now, UpdatedAt: now}
	r.accounts[userID] = account
	return &account, nil
}

// FindAccount returns the committed state of a user's account.
func (r *MemoryRepository) FindAccount(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

// ListEntries returns the user's entries, newest first.
func (r *MemoryRepository) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.entries[userID]
	result := make([]domain.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		result = append(result, all[i])
	}
	return paginate(result, limit, offset), nil
}

// SumEntries returns the signed sum and count of the user's entries.
func (r *MemoryRepository) SumEntries(ctx context.Context, userID uuid.UUID) (int64, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, entry := range r.entries[userID] {
		sum += entry.Amount
	}
	return sum, len(r.entries[userID]), nil
}

// FindOrderByID loads an order regardless of owner.
func (r *MemoryRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

// FindOrderForUser loads an order owned by userID.
func (r *MemoryRepository) FindOrderForUser(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error) {
	order, err := r.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrdersForUser lists a user's orders, newest first.
func (r *MemoryRepository) ListOrdersForUser(ctx context.Context, userID uuid.UUID, filter domain.OrderListFilter) ([]domain.Order, error) {
	orders := r.selectOrders(func(o domain.Order) bool {
		return o.UserID == userID && (filter.Status == "" || o.Status == filter.Status)
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return paginate(orders, filter.Limit, filter.Offset), nil
}

// ListExpiredActiveOrders returns active unrefunded orders past cutoff, oldest first.
func (r *MemoryRepository) ListExpiredActiveOrders(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	orders := r.selectOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusActive && !o.Refunded && o.ExpiresAt.Before(cutoff)
	})
	sortByExpiry(orders)
	return paginate(orders, limit, 0), nil
}

// ListLiveActiveOrders returns active orders that have not yet expired, oldest first.
func (r *MemoryRepository) ListLiveActiveOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	orders := r.selectOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusActive && o.ExpiresAt.After(now)
	})
	sortByExpiry(orders)
	return paginate(orders, limit, 0), nil
}

// ListUnrefundedTerminalOrders returns cancelled or expired orders still awaiting a refund.
func (r *MemoryRepository) ListUnrefundedTerminalOrders(ctx context.Context, since time.Time, limit int) ([]domain.Order, error) {
	orders := r.selectOrders(func(o domain.Order) bool {
		refundable := o.Status == domain.OrderStatusCancelled || o.Status == domain.OrderStatusExpired
		return refundable && !o.Refunded && o.CreatedAt.After(since)
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return paginate(orders, limit, 0), nil
}

// RecordInconsistency stores a fatal-inconsistency record.
func (r *MemoryRepository) RecordInconsistency(ctx context.Context, record *domain.Inconsistency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.inconsistencies[record.ID] = *record
	return nil
}

// ListOpenInconsistencies returns unresolved records, oldest first.
func (r *MemoryRepository) ListOpenInconsistencies(ctx context.Context, limit int) ([]domain.Inconsistency, error) {
	r.mu.RLock()
	records := make([]domain.Inconsistency, 0)
	for _, record := range r.inconsistencies {
		if !record.Resolved {
			records = append(records, record)
		}
	}
	r.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return paginate(records, limit, 0), nil
}

// MarkInconsistencyAttempt records a repair attempt and optionally resolves the record.
func (r *MemoryRepository) MarkInconsistencyAttempt(ctx context.Context, id uuid.UUID, resolved bool, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.inconsistencies[id]
	if !ok {
		return ErrInconsistencyNotFound
	}
	record.Attempts++
	if detail != "" {
		record.Detail = detail
	}
	if resolved {
		now := time.Now().UTC()
		record.Resolved = true
		record.ResolvedAt = &now
	}
	r.inconsistencies[id] = record
	return nil
}

func (r *MemoryRepository) selectOrders(match func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]domain.Order, 0)
	for _, order := range r.orders {
		if match(order) {
			result = append(result, order)
		}
	}
	return result
}

func sortByExpiry(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ExpiresAt.Before(orders[j].ExpiresAt) })
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// memoryTx stages writes for one unit of work.
type memoryTx struct {
	repo    *MemoryRepository
	account domain.LedgerAccount
	entries []domain.LedgerEntry
	orders  map[uuid.UUID]domain.Order
}

func (tx *memoryTx) Account() domain.LedgerAccount {
	return tx.account
}

func (tx *memoryTx) CountActiveOrders(ctx context.Context) (int, error) {
	userID := tx.account.UserID
	count := 0
	tx.repo.mu.RLock()
	for id, order := range tx.repo.orders {
		if order.UserID != userID {
			continue
		}
		if staged, ok := tx.orders[id]; ok {
			order = staged
		}
		if order.Status == domain.OrderStatusActive {
			count++
		}
	}
	tx.repo.mu.RUnlock()
	for id, order := range tx.orders {
		if _, committed := tx.repo.committedOrder(id); !committed && order.Status == domain.OrderStatusActive {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) FindEntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	for i := range tx.entries {
		if tx.entries[i].IdempotencyKey == key {
			entry := tx.entries[i]
			return &entry, nil
		}
	}
	tx.repo.mu.RLock()
	entry, ok := tx.repo.keys[key]
	tx.repo.mu.RUnlock()
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &entry, nil
}

func (tx *memoryTx) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if _, err := tx.FindEntryByKey(ctx, entry.IdempotencyKey); err == nil {
		return ErrDuplicateIdempotencyKey
	}
	next := tx.account.Balance + entry.Amount
	if next < 0 {
		return ErrNegativeBalance
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.UserID = tx.account.UserID
	entry.BalanceAfter = next

	tx.account.Balance = next
	tx.account.Version++
	tx.entries = append(tx.entries, *entry)
	return nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if order.UserID != tx.account.UserID {
		return ErrOrderNotFound
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	tx.orders[order.ID] = *order
	return nil
}

func (tx *memoryTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	if staged, ok := tx.orders[orderID]; ok {
		return &staged, nil
	}
	order, ok := tx.repo.committedOrder(orderID)
	if !ok || order.UserID != tx.account.UserID {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (tx *memoryTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	if _, err := tx.LockOrder(ctx, order.ID); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	tx.orders[order.ID] = *order
	return nil
}

func (r *MemoryRepository) committedOrder(id uuid.UUID) (domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	return order, ok
}
