/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * The per-account lock is the `ledger_accounts` row, taken with SELECT ... FOR UPDATE
 * at the start of every unit of work and held until commit or rollback.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/rental-service/internal/domain"
)

const orderColumns = `id, external_id, user_id, provider, service, country, phone_number, status, price,
	currency, provider_cost, code, refunded, provider_metadata, created_at, expires_at, updated_at`

const entryColumns = `id, user_id, order_id, amount, type, idempotency_key, description, balance_after, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithAccountLock opens a transaction, locks the account row and runs fn inside it.
func (r *PostgresRepository) WithAccountLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx AccountTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin account transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var account domain.LedgerAccount
	// Use FOR UPDATE to lock the row, serialising every mutation of this account.
	err = tx.QueryRow(ctx, `
		SELECT user_id, balance, currency, version, created_at, updated_at
		FROM ledger_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&account.UserID, &account.Balance, &account.Currency, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("lock ledger account: %w", err)
	}

	if err := fn(ctx, &pgAccountTx{tx: tx, account: account}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit account transaction: %w", err)
	}
	return nil
}

// CreateAccount opens a ledger account with a zero balance.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.LedgerAccount, error) {
	var account domain.LedgerAccount
	err := r.db.QueryRow(ctx, `
		INSERT INTO ledger_accounts (user_id, currency)
		VALUES ($1, $2)
		RETURNING user_id, balance, currency, version, created_at, updated_at
	`, userID, currency).Scan(&account.UserID, &account.Balance, &account.Currency, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return &account, nil
}

// FindAccount returns the committed state of a user's account.
func (r *PostgresRepository) FindAccount(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	var account domain.LedgerAccount
	err := r.db.QueryRow(ctx, `
		SELECT user_id, balance, currency, version, created_at, updated_at
		FROM ledger_accounts WHERE user_id = $1
	`, userID).Scan(&account.UserID, &account.Balance, &account.Currency, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListEntries returns a page of the user's entries, newest first.
func (r *PostgresRepository) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// SumEntries returns the signed sum and count of the user's entries.
func (r *PostgresRepository) SumEntries(ctx context.Context, userID uuid.UUID) (int64, int, error) {
	var sum int64
	var count int
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum, &count)
	return sum, count, err
}

// FindOrderByID loads an order regardless of owner.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// FindOrderForUser loads an order owned by userID.
func (r *PostgresRepository) FindOrderForUser(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListOrdersForUser lists a user's orders, newest first.
func (r *PostgresRepository) ListOrdersForUser(ctx context.Context, userID uuid.UUID, filter domain.OrderListFilter) ([]domain.Order, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, status, normalizeLimit(filter.Limit), filter.Offset)
}

// ListExpiredActiveOrders returns active unrefunded orders past cutoff, oldest first.
func (r *PostgresRepository) ListExpiredActiveOrders(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'active' AND refunded = FALSE AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff, normalizeLimit(limit))
}

// ListLiveActiveOrders returns active orders that have not yet expired, oldest first.
func (r *PostgresRepository) ListLiveActiveOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'active' AND expires_at > $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, normalizeLimit(limit))
}

// ListUnrefundedTerminalOrders returns cancelled or expired orders still awaiting a refund.
func (r *PostgresRepository) ListUnrefundedTerminalOrders(ctx context.Context, since time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('cancelled', 'expired') AND refunded = FALSE AND created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, since, normalizeLimit(limit))
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// RecordInconsistency stores a fatal-inconsistency record.
func (r *PostgresRepository) RecordInconsistency(ctx context.Context, record *domain.Inconsistency) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO inconsistencies (id, kind, user_id, order_id, provider, external_id, amount, detail, attempts, resolved, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, record.ID, string(record.Kind), record.UserID, record.OrderID, record.Provider, record.ExternalID,
		record.Amount, record.Detail, record.Attempts, record.Resolved, nullableJSON(record.Metadata), record.CreatedAt)
	return err
}

// ListOpenInconsistencies returns unresolved records, oldest first.
func (r *PostgresRepository) ListOpenInconsistencies(ctx context.Context, limit int) ([]domain.Inconsistency, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, user_id, order_id, provider, external_id, amount, detail, attempts, resolved, metadata, created_at, resolved_at
		FROM inconsistencies
		WHERE resolved = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.Inconsistency, 0)
	for rows.Next() {
		var record domain.Inconsistency
		var kind string
		var metadata []byte
		if err := rows.Scan(&record.ID, &kind, &record.UserID, &record.OrderID, &record.Provider, &record.ExternalID,
			&record.Amount, &record.Detail, &record.Attempts, &record.Resolved, &metadata, &record.CreatedAt, &record.ResolvedAt); err != nil {
			return nil, err
		}
		record.Kind = domain.InconsistencyKind(kind)
		record.Metadata = metadata
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkInconsistencyAttempt records a repair attempt and optionally resolves the record.
func (r *PostgresRepository) MarkInconsistencyAttempt(ctx context.Context, id uuid.UUID, resolved bool, detail string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE inconsistencies
		SET attempts = attempts + 1,
		    detail = CASE WHEN $3::text = '' THEN detail ELSE $3::text END,
		    resolved = resolved OR $2::boolean,
		    resolved_at = CASE WHEN $2::boolean AND resolved_at IS NULL THEN NOW() ELSE resolved_at END
		WHERE id = $1
	`, id, resolved, detail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInconsistencyNotFound
	}
	return nil
}

// pgAccountTx runs statements inside the transaction holding the account row lock.
type pgAccountTx struct {
	tx      pgx.Tx
	account domain.LedgerAccount
}

func (t *pgAccountTx) Account() domain.LedgerAccount {
	return t.account
}

func (t *pgAccountTx) CountActiveOrders(ctx context.Context) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1 AND status = 'active'`, t.account.UserID).Scan(&count)
	return count, err
}

func (t *pgAccountTx) FindEntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (t *pgAccountTx) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.UserID = t.account.UserID

	// A savepoint keeps the outer transaction usable when the insert is rejected.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	var balance, version int64
	err = sp.QueryRow(ctx, `
		UPDATE ledger_accounts
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING balance, version
	`, entry.Amount, entry.UserID).Scan(&balance, &version)
	if err != nil {
		if isCheckViolation(err) {
			return ErrNegativeBalance
		}
		return err
	}
	entry.BalanceAfter = balance

	_, err = sp.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, entry.OrderID, entry.Amount, string(entry.Type), entry.IdempotencyKey,
		entry.Description, entry.BalanceAfter, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return err
	}
	t.account.Balance = balance
	t.account.Version = version
	return nil
}

func (t *pgAccountTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if order.UserID != t.account.UserID {
		return ErrOrderNotFound
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, order.ID, order.ExternalID, order.UserID, order.Provider, order.Service, order.Country, order.PhoneNumber,
		string(order.Status), order.Price, order.Currency, order.ProviderCost, order.Code, order.Refunded,
		nullableJSON(order.ProviderMetadata), order.CreatedAt, order.ExpiresAt, order.UpdatedAt)
	return err
}

func (t *pgAccountTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE`, orderID, t.account.UserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (t *pgAccountTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	order.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, code = $2, refunded = $3, provider_metadata = $4, updated_at = $5
		WHERE id = $6 AND user_id = $7
	`, string(order.Status), order.Code, order.Refunded, nullableJSON(order.ProviderMetadata), order.UpdatedAt, order.ID, t.account.UserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var order domain.Order
	var status string
	var metadata []byte
	err := row.Scan(&order.ID, &order.ExternalID, &order.UserID, &order.Provider, &order.Service, &order.Country,
		&order.PhoneNumber, &status, &order.Price, &order.Currency, &order.ProviderCost, &order.Code, &order.Refunded,
		&metadata, &order.CreatedAt, &order.ExpiresAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	order.ProviderMetadata = metadata
	return &order, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var entryType string
	err := row.Scan(&entry.ID, &entry.UserID, &entry.OrderID, &entry.Amount, &entryType, &entry.IdempotencyKey,
		&entry.Description, &entry.BalanceAfter, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.Type = domain.EntryType(entryType)
	return &entry, nil
}

// nullableJSON passes JSON documents as text so they work under the simple protocol.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
