package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/store"
)

func setup(t *testing.T, opening int64) (*Ledger, *store.MemoryRepository, uuid.UUID) {
	t.Helper()
	repo := store.NewMemoryRepository()
	l := New(repo)
	userID := uuid.New()
	_, err := l.OpenAccount(context.Background(), userID, "ngn")
	require.NoError(t, err)
	if opening > 0 {
		_, err = l.Credit(context.Background(), userID, Mutation{Amount: opening, Type: domain.EntryTypeDeposit, IdempotencyKey: "deposit:opening"})
		require.NoError(t, err)
	}
	return l, repo, userID
}

func assertBalanceMatchesLog(t *testing.T, l *Ledger, userID uuid.UUID) {
	t.Helper()
	audit, err := l.Verify(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent, "balance %d != entry sum %d", audit.Balance, audit.EntrySum)
}

func TestOpenAccountNormalisesCurrency(t *testing.T) {
	repo := store.NewMemoryRepository()
	account, err := New(repo).OpenAccount(context.Background(), uuid.New(), " ngn ")
	require.NoError(t, err)
	assert.Equal(t, "NGN", account.Currency)
}

func TestTryDebitIsIdempotent(t *testing.T) {
	l, _, userID := setup(t, 1000)
	ctx := context.Background()
	m := Mutation{Amount: 400, Type: domain.EntryTypePurchase, IdempotencyKey: "purchase:1"}

	first, err := l.TryDebit(ctx, userID, m)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(600), first.Balance)

	second, err := l.TryDebit(ctx, userID, m)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	balance, err := l.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)
	assertBalanceMatchesLog(t, l, userID)
}

func TestTryDebitRejectsInsufficientBalance(t *testing.T) {
	l, _, userID := setup(t, 300)

	_, err := l.TryDebit(context.Background(), userID, Mutation{Amount: 400, Type: domain.EntryTypePurchase, IdempotencyKey: "purchase:1"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
	assertBalanceMatchesLog(t, l, userID)
}

func TestCreditReportsAlreadyApplied(t *testing.T) {
	l, _, userID := setup(t, 0)
	ctx := context.Background()
	m := Mutation{Amount: 400, Type: domain.EntryTypeRefund, IdempotencyKey: "cancel:1"}

	receipt, err := l.Credit(ctx, userID, m)
	require.NoError(t, err)
	assert.Equal(t, int64(400), receipt.Balance)

	replay, err := l.Credit(ctx, userID, m)
	require.ErrorIs(t, err, ErrAlreadyApplied)
	require.NotNil(t, replay)
	assert.Equal(t, receipt.Entry.ID, replay.Entry.ID)

	balance, err := l.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
}

func TestMutationValidation(t *testing.T) {
	l, _, userID := setup(t, 1000)
	ctx := context.Background()

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero amount", func() error {
			_, err := l.TryDebit(ctx, userID, Mutation{Amount: 0, Type: domain.EntryTypePurchase, IdempotencyKey: "k"})
			return err
		}, ErrInvalidAmount},
		{"missing key", func() error {
			_, err := l.Credit(ctx, userID, Mutation{Amount: 10, Type: domain.EntryTypeDeposit})
			return err
		}, ErrMissingIdempotencyKey},
		{"credit type on debit", func() error {
			_, err := l.TryDebit(ctx, userID, Mutation{Amount: 10, Type: domain.EntryTypeRefund, IdempotencyKey: "k"})
			return err
		}, ErrInvalidEntryType},
		{"debit type on credit", func() error {
			_, err := l.Credit(ctx, userID, Mutation{Amount: 10, Type: domain.EntryTypePenalty, IdempotencyKey: "k"})
			return err
		}, ErrInvalidEntryType},
		{"key reused for different mutation", func() error {
			_, err := l.TryDebit(ctx, userID, Mutation{Amount: 10, Type: domain.EntryTypePenalty, IdempotencyKey: "deposit:opening"})
			return err
		}, ErrIdempotencyConflict},
		{"unknown account", func() error {
			_, err := l.TryDebit(ctx, uuid.New(), Mutation{Amount: 10, Type: domain.EntryTypePenalty, IdempotencyKey: "k"})
			return err
		}, store.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	assertBalanceMatchesLog(t, l, userID)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _, userID := setup(t, 1000)
	ctx := context.Background()

	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.TryDebit(ctx, userID, Mutation{Amount: 75, Type: domain.EntryTypePenalty, IdempotencyKey: fmt.Sprintf("penalty:%d", i)})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	balance, err := l.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int32(13), succeeded.Load())
	assert.Equal(t, int32(27), rejected.Load())
	assert.Equal(t, int64(1000-13*75), balance)
	assert.GreaterOrEqual(t, balance, int64(0))
	assertBalanceMatchesLog(t, l, userID)
}

func TestConcurrentDuplicateCreditsApplyOnce(t *testing.T) {
	l, _, userID := setup(t, 0)
	ctx := context.Background()

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Credit(ctx, userID, Mutation{Amount: 400, Type: domain.EntryTypeRefund, IdempotencyKey: "expire:42"})
			if err == nil {
				applied.Add(1)
			} else if !errors.Is(err, ErrAlreadyApplied) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	balance, err := l.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
	assertBalanceMatchesLog(t, l, userID)
}
