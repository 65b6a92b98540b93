package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveTransaction stores a bank transaction with user isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, userID string, txn *domain.Transaction) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, statement_id, date, amount, direction,
			description, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		txn.ID, userID, txn.StatementID, txn.Date.UTC(),
		txn.Amount.String(), string(txn.Direction),
		txn.Description, string(txn.Status), txn.CreatedAt.UTC(),
	)
	return err
}

// GetTransaction retrieves a bank transaction by ID with user isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, userID string, txnID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, statement_id, date, amount, direction,
		       description, status, created_at
		FROM transactions
		WHERE user_id = ? AND id = ?
	`
	return r.scanTransaction(r.q.QueryRowContext(ctx, r.rebind(query), userID, txnID))
}

// ListPendingTransactions returns the user's PENDING transactions in
// date order, optionally scoped to one statement and capped at limit.
func (r *SQLRepository) ListPendingTransactions(ctx context.Context, userID string, statementID string, limit int) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT id, user_id, statement_id, date, amount, direction,
		       description, status, created_at
		FROM transactions
		WHERE user_id = ? AND status = ?
	`
	args := []any{userID, string(domain.TxnPending)}
	if statementID != "" {
		query += " AND statement_id = ?"
		args = append(args, statementID)
	}
	query += " ORDER BY date ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		txn, err := r.scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// UpdateTransactionStatus moves a transaction between PENDING, MATCHED,
// and UNMATCHED.
func (r *SQLRepository) UpdateTransactionStatus(ctx context.Context, userID string, txnID string, status domain.TxnStatus) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `UPDATE transactions SET status = ? WHERE user_id = ? AND id = ?`
	res, err := r.q.ExecContext(ctx, r.rebind(query), string(status), userID, txnID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	var txn domain.Transaction
	var amount, direction, status string

	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.StatementID, &txn.Date,
		&amount, &direction, &txn.Description, &status, &txn.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return finishTransaction(&txn, amount, direction, status)
}

func (r *SQLRepository) scanTransactionRows(rows *sql.Rows) (*domain.Transaction, error) {
	var txn domain.Transaction
	var amount, direction, status string

	if err := rows.Scan(
		&txn.ID, &txn.UserID, &txn.StatementID, &txn.Date,
		&amount, &direction, &txn.Description, &status, &txn.CreatedAt,
	); err != nil {
		return nil, err
	}
	return finishTransaction(&txn, amount, direction, status)
}

func finishTransaction(txn *domain.Transaction, amount, direction, status string) (*domain.Transaction, error) {
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", txn.ID, err)
	}
	txn.Amount = parsed
	txn.Direction = domain.TxnDirection(direction)
	txn.Status = domain.TxnStatus(status)
	txn.Date = timeUTC(txn.Date)
	txn.CreatedAt = timeUTC(txn.CreatedAt)
	return txn, nil
}

// SaveStatement stores a statement with user isolation.
func (r *SQLRepository) SaveStatement(ctx context.Context, userID string, st *domain.Statement) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO statements (id, user_id, account_id, source, imported_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		st.ID, userID, nullable(st.AccountID), st.Source, st.ImportedAt.UTC(),
	)
	return err
}

// GetStatement retrieves a statement by ID with user isolation.
func (r *SQLRepository) GetStatement(ctx context.Context, userID string, statementID string) (*domain.Statement, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, account_id, source, imported_at
		FROM statements
		WHERE user_id = ? AND id = ?
	`
	var st domain.Statement
	var accountID sql.NullString

	err := r.q.QueryRowContext(ctx, r.rebind(query), userID, statementID).Scan(
		&st.ID, &st.UserID, &accountID, &st.Source, &st.ImportedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.AccountID = accountID.String
	st.ImportedAt = timeUTC(st.ImportedAt)
	return &st, nil
}

// SaveAccount stores a ledger account with user isolation.
func (r *SQLRepository) SaveAccount(ctx context.Context, userID string, acc *domain.Account) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO accounts (id, user_id, name, type, system, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	system := 0
	if acc.System {
		system = 1
	}
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		acc.ID, userID, acc.Name, string(acc.Type), system, acc.CreatedAt.UTC(),
	)
	return err
}

// GetAccount retrieves a ledger account by ID with user isolation.
func (r *SQLRepository) GetAccount(ctx context.Context, userID string, accountID string) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, name, type, system, created_at
		FROM accounts
		WHERE user_id = ? AND id = ?
	`
	return r.scanAccount(r.q.QueryRowContext(ctx, r.rebind(query), userID, accountID))
}

// GetOrCreateSystemAccount resolves a per-user system account by name,
// creating it on first use. Used for the Processing suspense account and
// the Uncategorized fallbacks.
func (r *SQLRepository) GetOrCreateSystemAccount(ctx context.Context, userID string, name string, accountType domain.AccountType) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, name, type, system, created_at
		FROM accounts
		WHERE user_id = ? AND name = ?
	`
	acc, err := r.scanAccount(r.q.QueryRowContext(ctx, r.rebind(query), userID, name))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	acc = &domain.Account{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Type:      accountType,
		System:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.SaveAccount(ctx, userID, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *SQLRepository) scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var accountType string
	var system int

	err := row.Scan(&acc.ID, &acc.UserID, &acc.Name, &accountType, &system, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Type = domain.AccountType(accountType)
	acc.System = system != 0
	acc.CreatedAt = timeUTC(acc.CreatedAt)
	return &acc, nil
}
