package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CreateEntry stores a ledger entry and its lines.
func (r *SQLRepository) CreateEntry(ctx context.Context, userID string, entry *domain.Entry) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if len(entry.Lines) == 0 {
		return fmt.Errorf("%w: entry has no lines", ErrInvalidInput)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO entries (id, user_id, date, memo, status, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		entry.ID, userID, entry.Date.UTC(), entry.Memo,
		string(entry.Status), string(entry.Source), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	lineQuery := `
		INSERT INTO entry_lines (id, entry_id, account_id, account_type, direction, amount)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, l := range entry.Lines {
		_, err := r.q.ExecContext(ctx, r.rebind(lineQuery),
			l.ID, entry.ID, l.AccountID, string(l.AccountType),
			string(l.Direction), l.Amount.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetEntry retrieves a ledger entry with its lines.
func (r *SQLRepository) GetEntry(ctx context.Context, userID string, entryID string) (*domain.Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, date, memo, status, source, created_at
		FROM entries
		WHERE user_id = ? AND id = ?
	`
	entry, err := r.scanEntry(r.q.QueryRowContext(ctx, r.rebind(query), userID, entryID))
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, []*domain.Entry{entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntriesInWindow returns entries in the given status set whose date
// falls inside [from, to], with lines attached.
func (r *SQLRepository) ListEntriesInWindow(ctx context.Context, userID string, from, to time.Time, statuses []domain.EntryStatus) ([]*domain.Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := fmt.Sprintf(`
		SELECT id, user_id, date, memo, status, source, created_at
		FROM entries
		WHERE user_id = ? AND date >= ? AND date <= ? AND status IN (%s)
		ORDER BY date ASC, id ASC
	`, placeholders)

	args := []any{userID, from.UTC(), to.UTC()}
	for _, s := range statuses {
		args = append(args, string(s))
	}

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := r.collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpdateEntryStatus transitions an entry's posting status.
func (r *SQLRepository) UpdateEntryStatus(ctx context.Context, userID string, entryID string, status domain.EntryStatus) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `UPDATE entries SET status = ? WHERE user_id = ? AND id = ?`
	res, err := r.q.ExecContext(ctx, r.rebind(query), string(status), userID, entryID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProcessingEntries returns non-void entries touching the user's
// Processing suspense account, with lines attached.
func (r *SQLRepository) ListProcessingEntries(ctx context.Context, userID string) ([]*domain.Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT DISTINCT e.id, e.user_id, e.date, e.memo, e.status, e.source, e.created_at
		FROM entries e
		JOIN entry_lines l ON l.entry_id = e.id
		JOIN accounts a ON a.id = l.account_id
		WHERE e.user_id = ? AND a.user_id = ? AND a.name = ? AND e.status != ?
		ORDER BY e.date ASC, e.id ASC
	`
	rows, err := r.q.QueryContext(ctx, r.rebind(query),
		userID, userID, domain.ProcessingAccountName, string(domain.EntryVoid),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := r.collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ProcessingBalance is the net (debits minus credits) of the user's
// Processing account over non-void entries. Zero means every transfer
// leg found its counterpart.
func (r *SQLRepository) ProcessingBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT l.direction, l.amount
		FROM entry_lines l
		JOIN entries e ON e.id = l.entry_id
		JOIN accounts a ON a.id = l.account_id
		WHERE e.user_id = ? AND a.user_id = ? AND a.name = ? AND e.status != ?
	`
	rows, err := r.q.QueryContext(ctx, r.rebind(query),
		userID, userID, domain.ProcessingAccountName, string(domain.EntryVoid),
	)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	// Summed in decimal space, not SQL, to keep cents exact.
	balance := decimal.Zero
	for rows.Next() {
		var direction, amount string
		if err := rows.Scan(&direction, &amount); err != nil {
			return decimal.Zero, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt line amount: %w", err)
		}
		if domain.LineDirection(direction) == domain.Debit {
			balance = balance.Add(value)
		} else {
			balance = balance.Sub(value)
		}
	}
	return balance, rows.Err()
}

func (r *SQLRepository) scanEntry(row *sql.Row) (*domain.Entry, error) {
	var e domain.Entry
	var status, source string

	err := row.Scan(&e.ID, &e.UserID, &e.Date, &e.Memo, &status, &source, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = domain.EntryStatus(status)
	e.Source = domain.EntrySource(source)
	e.Date = timeUTC(e.Date)
	e.CreatedAt = timeUTC(e.CreatedAt)
	return &e, nil
}

func (r *SQLRepository) collectEntries(rows *sql.Rows) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	for rows.Next() {
		var e domain.Entry
		var status, source string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Date, &e.Memo, &status, &source, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = domain.EntryStatus(status)
		e.Source = domain.EntrySource(source)
		e.Date = timeUTC(e.Date)
		e.CreatedAt = timeUTC(e.CreatedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// loadLines attaches lines to the given entries in one query.
func (r *SQLRepository) loadLines(ctx context.Context, entries []*domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Entry, len(entries))
	placeholders := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		placeholders = append(placeholders, "?")
		args = append(args, e.ID)
	}

	query := fmt.Sprintf(`
		SELECT id, entry_id, account_id, account_type, direction, amount
		FROM entry_lines
		WHERE entry_id IN (%s)
		ORDER BY id ASC
	`, strings.Join(placeholders, ", "))

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.Line
		var accountType, direction, amount string
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &accountType, &direction, &amount); err != nil {
			return err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("corrupt line amount for entry %s: %w", l.EntryID, err)
		}
		l.AccountType = domain.AccountType(accountType)
		l.Direction = domain.LineDirection(direction)
		l.Amount = value

		if e, ok := byID[l.EntryID]; ok {
			e.Lines = append(e.Lines, l)
		}
	}
	return rows.Err()
}
