package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rental-service/internal/domain"
)

func newAccount(t *testing.T, repo *MemoryRepository) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := repo.CreateAccount(context.Background(), userID, "NGN")
	require.NoError(t, err)
	return userID
}

func TestMemoryRepositoryRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		require.NoError(t, tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: 500, Type: domain.EntryTypeDeposit, IdempotencyKey: "deposit:a"}))
		require.NoError(t, tx.InsertOrder(ctx, &domain.Order{ID: uuid.New(), UserID: userID, Status: domain.OrderStatusActive}))
		assert.Equal(t, int64(500), tx.Account().Balance)
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := repo.FindAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)

	sum, count, err := repo.SumEntries(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Zero(t, count)

	orders, err := repo.ListOrdersForUser(ctx, userID, domain.OrderListFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMemoryRepositoryCommitsStagedWrites(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)
	ctx := context.Background()
	orderID := uuid.New()

	err := repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		if err := tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: 1000, Type: domain.EntryTypeDeposit, IdempotencyKey: "deposit:a"}); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &domain.Order{ID: orderID, UserID: userID, Status: domain.OrderStatusActive, Price: 400}); err != nil {
			return err
		}
		count, err := tx.CountActiveOrders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		return tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: -400, Type: domain.EntryTypePurchase, IdempotencyKey: domain.PurchaseKey(orderID), OrderID: &orderID})
	})
	require.NoError(t, err)

	account, err := repo.FindAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), account.Balance)
	assert.Equal(t, int64(2), account.Version)

	entries, err := repo.ListEntries(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryTypePurchase, entries[0].Type)
	assert.Equal(t, int64(600), entries[0].BalanceAfter)

	order, err := repo.FindOrderForUser(ctx, orderID, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, order.Status)

	_, err = repo.FindOrderForUser(ctx, orderID, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryRepositoryRejectsDuplicateKeysAndNegativeBalance(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)
	other := newAccount(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		return tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: 100, Type: domain.EntryTypeDeposit, IdempotencyKey: "deposit:ref-1"})
	}))

	err := repo.WithAccountLock(ctx, other, func(ctx context.Context, tx AccountTx) error {
		return tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: 100, Type: domain.EntryTypeDeposit, IdempotencyKey: "deposit:ref-1"})
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	err = repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		return tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: -101, Type: domain.EntryTypePenalty, IdempotencyKey: "penalty:1"})
	})
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestMemoryRepositorySerialisesPerAccount(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
				return tx.AppendEntry(ctx, &domain.LedgerEntry{Amount: 10, Type: domain.EntryTypeDeposit, IdempotencyKey: uuid.NewString()})
			})
		}()
	}
	wg.Wait()

	account, err := repo.FindAccount(ctx, userID)
	require.NoError(t, err)
	sum, count, err := repo.SumEntries(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 50, count)
	assert.Equal(t, int64(500), account.Balance)
	assert.Equal(t, sum, account.Balance)
}

func TestMemoryRepositoryLockHonoursContext(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = repo.WithAccountLock(context.Background(), userID, func(ctx context.Context, tx AccountTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		t.Fatal("callback must not run while the lock is held")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRepositorySweepQueries(t *testing.T) {
	repo := NewMemoryRepository()
	userID := newAccount(t, repo)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := domain.Order{ID: uuid.New(), UserID: userID, Status: domain.OrderStatusActive, CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}
	live := domain.Order{ID: uuid.New(), UserID: userID, Status: domain.OrderStatusActive, CreatedAt: t0.Add(4 * time.Minute), ExpiresAt: t0.Add(9 * time.Minute)}
	stale := domain.Order{ID: uuid.New(), UserID: userID, Status: domain.OrderStatusCancelled, CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}
	done := domain.Order{ID: uuid.New(), UserID: userID, Status: domain.OrderStatusExpired, Refunded: true, CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}

	require.NoError(t, repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx AccountTx) error {
		for _, o := range []domain.Order{expired, live, stale, done} {
			o := o
			if err := tx.InsertOrder(ctx, &o); err != nil {
				return err
			}
		}
		return nil
	}))

	now := t0.Add(6 * time.Minute)
	got, err := repo.ListExpiredActiveOrders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)

	got, err = repo.ListLiveActiveOrders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, live.ID, got[0].ID)

	got, err = repo.ListUnrefundedTerminalOrders(ctx, t0.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestMemoryRepositoryInconsistencies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	record := &domain.Inconsistency{Kind: domain.InconsistencyOrphanedReservation, UserID: uuid.New(), OrderID: uuid.New(), Provider: "daisysms", ExternalID: "123"}

	require.NoError(t, repo.RecordInconsistency(ctx, record))
	open, err := repo.ListOpenInconsistencies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, repo.MarkInconsistencyAttempt(ctx, record.ID, false, "cancel failed"))
	require.NoError(t, repo.MarkInconsistencyAttempt(ctx, record.ID, true, ""))

	open, err = repo.ListOpenInconsistencies(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.ErrorIs(t, repo.MarkInconsistencyAttempt(ctx, uuid.New(), true, ""), ErrInconsistencyNotFound)
}
