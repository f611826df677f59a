/**
 * @description
 * Ledger models: one account per user holding the balance, plus the append-only
 * entry log that the balance is derived from.
 *
 * @notes
 * - Entry amounts are signed: positive credits, negative debits.
 * - Idempotency keys are globally unique across all entries.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTypeDeposit  EntryType = "DEPOSIT"
	EntryTypePurchase EntryType = "PURCHASE"
	EntryTypeRefund   EntryType = "REFUND"
	EntryTypePenalty  EntryType = "PENALTY"
)

// IsDebit reports whether entries of this type remove funds.
func (t EntryType) IsDebit() bool {
	return t == EntryTypePurchase || t == EntryTypePenalty
}

// IsCredit reports whether entries of this type add funds.
func (t EntryType) IsCredit() bool {
	return t == EntryTypeDeposit || t == EntryTypeRefund
}

// LedgerAccount holds a user's balance. It maps to the `ledger_accounts` table.
type LedgerAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"` // minor units of Currency
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one balance mutation. It maps to the `ledger_entries` table.
type LedgerEntry struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	OrderID        *uuid.UUID `json:"order_id,omitempty"`
	Amount         int64      `json:"amount"`
	Type           EntryType  `json:"type"`
	IdempotencyKey string     `json:"idempotency_key"`
	Description    string     `json:"description,omitempty"`
	BalanceAfter   int64      `json:"balance_after"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AccountAudit compares the stored balance with the sum of the entry log.
type AccountAudit struct {
	UserID     uuid.UUID `json:"user_id"`
	Balance    int64     `json:"balance"`
	EntrySum   int64     `json:"entry_sum"`
	EntryCount int       `json:"entry_count"`
	Consistent bool      `json:"consistent"`
}

// PurchaseKey is the idempotency key of the debit for an order.
func PurchaseKey(orderID uuid.UUID) string {
	return "purchase:" + orderID.String()
}

// CancelKey is the idempotency key of the refund issued when an order is cancelled.
func CancelKey(orderID uuid.UUID) string {
	return "cancel:" + orderID.String()
}

// ExpireKey is the idempotency key of the refund issued when an order expires.
func ExpireKey(orderID uuid.UUID) string {
	return "expire:" + orderID.String()
}

// DepositKey is the idempotency key of a deposit identified by its payment reference.
func DepositKey(reference string) string {
	return "deposit:" + reference
}

// DepositRequest is the payload accepted from the payment collaborator.
type DepositRequest struct {
	UserID    uuid.UUID `json:"user_id" validate:"required"`
	Amount    int64     `json:"amount" validate:"required,gt=0"`
	Reference string    `json:"reference" validate:"required,max=128"`
	Currency  string    `json:"currency" validate:"omitempty,len=3"`
}

// PenaltyRequest is the internal payload used to charge a penalty.
type PenaltyRequest struct {
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	Amount         int64     `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string    `json:"idempotency_key" validate:"required,max=128"`
	Reason         string    `json:"reason" validate:"required,max=255"`
}

// OpenAccountRequest is the internal payload used on user signup.
type OpenAccountRequest struct {
	UserID   uuid.UUID `json:"user_id" validate:"required"`
	Currency string    `json:"currency" validate:"omitempty,len=3"`
}
