/**
 * @description
 * Package ledger implements the per-user ledger account: balance reads, idempotent
 * debits and idempotent credits. Every mutation appends exactly one entry to the
 * transaction log and moves the balance by the same amount in the same unit of work.
 *
 * @notes
 * - Top-level methods take the account lock themselves. The *Tx variants are for
 *   callers that already hold it (the order coordinator and the sweeper).
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/store"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAlreadyApplied        = errors.New("idempotency key already applied")
	ErrIdempotencyConflict   = errors.New("idempotency key used by a different mutation")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrInvalidEntryType      = errors.New("entry type not allowed for this operation")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// Mutation describes one balance change. Amount is always positive; the sign is
// derived from the operation.
type Mutation struct {
	Amount         int64
	Type           domain.EntryType
	IdempotencyKey string
	OrderID        *uuid.UUID
	Description    string
}

// Receipt is the outcome of a debit or credit.
type Receipt struct {
	Entry    domain.LedgerEntry
	Balance  int64
	Replayed bool
}

// Ledger exposes ledger account operations over a repository.
type Ledger struct {
	repo store.Repository
}

// New creates a Ledger.
func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// OpenAccount creates the ledger account for a new user.
func (l *Ledger) OpenAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.LedgerAccount, error) {
	return l.repo.CreateAccount(ctx, userID, strings.ToUpper(strings.TrimSpace(currency)))
}

// GetBalance returns the committed balance of the user's account.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	account, err := l.repo.FindAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// TryDebit removes funds if the balance covers them. Re-using an idempotency key
// returns the earlier receipt without mutating anything.
func (l *Ledger) TryDebit(ctx context.Context, userID uuid.UUID, m Mutation) (*Receipt, error) {
	var receipt *Receipt
	err := l.repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx store.AccountTx) error {
		var err error
		receipt, err = DebitTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Credit adds funds. Re-using an idempotency key is a no-op that returns the
// earlier receipt together with ErrAlreadyApplied.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, m Mutation) (*Receipt, error) {
	var receipt *Receipt
	err := l.repo.WithAccountLock(ctx, userID, func(ctx context.Context, tx store.AccountTx) error {
		var err error
		receipt, err = CreditTx(ctx, tx, m)
		if errors.Is(err, ErrAlreadyApplied) {
			// Nothing was written; let the unit of work commit cleanly.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, ErrAlreadyApplied
	}
	return receipt, nil
}

// Verify compares the stored balance with the signed sum of the entry log.
func (l *Ledger) Verify(ctx context.Context, userID uuid.UUID) (*domain.AccountAudit, error) {
	account, err := l.repo.FindAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, count, err := l.repo.SumEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger entries: %w", err)
	}
	return &domain.AccountAudit{
		UserID:     userID,
		Balance:    account.Balance,
		EntrySum:   sum,
		EntryCount: count,
		Consistent: sum == account.Balance,
	}, nil
}

// DebitTx is TryDebit for a caller already holding the account lock.
func DebitTx(ctx context.Context, tx store.AccountTx, m Mutation) (*Receipt, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	if !m.Type.IsDebit() {
		return nil, ErrInvalidEntryType
	}

	prior, err := priorEntry(ctx, tx, m, -m.Amount)
	if err != nil || prior != nil {
		return prior, err
	}

	account := tx.Account()
	if account.Balance < m.Amount {
		return nil, ErrInsufficientBalance
	}
	return appendEntry(ctx, tx, m, -m.Amount)
}

// CreditTx is Credit for a caller already holding the account lock. A replay returns
// the earlier receipt together with ErrAlreadyApplied.
func CreditTx(ctx context.Context, tx store.AccountTx, m Mutation) (*Receipt, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	if !m.Type.IsCredit() {
		return nil, ErrInvalidEntryType
	}

	prior, err := priorEntry(ctx, tx, m, m.Amount)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, ErrAlreadyApplied
	}
	return appendEntry(ctx, tx, m, m.Amount)
}

func validate(m Mutation) error {
	if m.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}

// priorEntry returns the receipt of an entry already recorded under the key.
func priorEntry(ctx context.Context, tx store.AccountTx, m Mutation, signed int64) (*Receipt, error) {
	entry, err := tx.FindEntryByKey(ctx, m.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if entry.UserID != tx.Account().UserID || entry.Type != m.Type || entry.Amount != signed {
		return nil, ErrIdempotencyConflict
	}
	return &Receipt{Entry: *entry, Balance: tx.Account().Balance, Replayed: true}, nil
}

func appendEntry(ctx context.Context, tx store.AccountTx, m Mutation, signed int64) (*Receipt, error) {
	entry := &domain.LedgerEntry{
		OrderID:        m.OrderID,
		Amount:         signed,
		Type:           m.Type,
		IdempotencyKey: m.IdempotencyKey,
		Description:    m.Description,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		switch {
		case errors.Is(err, store.ErrNegativeBalance):
			return nil, ErrInsufficientBalance
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return &Receipt{Entry: *entry, Balance: entry.BalanceAfter}, nil
}
