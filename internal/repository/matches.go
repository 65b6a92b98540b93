package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CreateMatch stores a new match row. Matches are append-only; superseded
// rows stay behind for audit.
func (r *SQLRepository) CreateMatch(ctx context.Context, userID string, m *domain.Match) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if m.TxnID == "" || len(m.EntryIDs) == 0 {
		return fmt.Errorf("%w: match needs a transaction and at least one entry", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Version == 0 {
		m.Version = 1
	}

	entryIDs, err := json.Marshal(m.EntryIDs)
	if err != nil {
		return fmt.Errorf("failed to encode entry ids: %w", err)
	}
	breakdown, err := json.Marshal(m.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}

	query := `
		INSERT INTO matches (id, user_id, txn_id, entry_ids, score, breakdown,
			status, version, superseded_by_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.q.ExecContext(ctx, r.rebind(query),
		m.ID, userID, m.TxnID, string(entryIDs), m.Score, string(breakdown),
		string(m.Status), m.Version, nullable(m.SupersededByID),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	return err
}

// GetMatch retrieves a match by ID.
func (r *SQLRepository) GetMatch(ctx context.Context, userID string, matchID string) (*domain.Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := matchSelect + ` WHERE user_id = ? AND id = ?`
	m, err := scanMatch(r.q.QueryRowContext(ctx, r.rebind(query), userID, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateMatch persists status, version and supersede pointer changes.
func (r *SQLRepository) UpdateMatch(ctx context.Context, userID string, m *domain.Match) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE matches
		SET status = ?, version = ?, superseded_by_id = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`
	res, err := r.q.ExecContext(ctx, r.rebind(query),
		string(m.Status), m.Version, nullable(m.SupersededByID),
		m.UpdatedAt.UTC(), userID, m.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveMatchByTxn returns the transaction's one non-superseded match,
// or nil without error when the transaction has none.
func (r *SQLRepository) GetActiveMatchByTxn(ctx context.Context, userID string, txnID string) (*domain.Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := matchSelect + `
		WHERE user_id = ? AND txn_id = ? AND status != ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	m, err := scanMatch(r.q.QueryRowContext(ctx, r.rebind(query),
		userID, txnID, string(domain.MatchSuperseded)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMatches returns matches newest first, optionally filtered by status.
func (r *SQLRepository) ListMatches(ctx context.Context, userID string, filter domain.MatchFilter) ([]*domain.Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := matchSelect + ` WHERE user_id = ?`
	args := []any{userID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*domain.Match
	for rows.Next() {
		m, err := scanMatchRows(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ListReconciledHistory returns recent transactions behind accepted
// matches whose description contains the token, newest first.
func (r *SQLRepository) ListReconciledHistory(ctx context.Context, userID string, token string, limit int) ([]domain.HistoricalTxn, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if token == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT t.id, t.amount, t.description, t.date
		FROM transactions t
		JOIN matches m ON m.txn_id = t.id AND m.user_id = t.user_id
		WHERE t.user_id = ?
		  AND m.status IN (?, ?)
		  AND LOWER(t.description) LIKE ?
		ORDER BY t.date DESC, t.id DESC
		LIMIT ?
	`
	rows, err := r.q.QueryContext(ctx, r.rebind(query),
		userID, string(domain.MatchAccepted), string(domain.MatchAutoAccepted),
		"%"+token+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.HistoricalTxn
	for rows.Next() {
		var h domain.HistoricalTxn
		var amount string
		if err := rows.Scan(&h.TxnID, &amount, &h.Description, &h.Date); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt transaction amount: %w", err)
		}
		h.Amount = value
		h.Date = timeUTC(h.Date)
		history = append(history, h)
	}
	return history, rows.Err()
}

// CreateTransferPair records one auto-paired transfer. The unique indexes
// on the leg columns reject double pairing at the storage boundary.
func (r *SQLRepository) CreateTransferPair(ctx context.Context, userID string, pair *domain.TransferPair) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if pair.OutEntryID == "" || pair.InEntryID == "" {
		return fmt.Errorf("%w: pair needs both legs", ErrInvalidInput)
	}

	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO transfer_pairs (id, user_id, out_entry_id, in_entry_id, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		pair.ID, userID, pair.OutEntryID, pair.InEntryID, pair.Score, pair.CreatedAt.UTC(),
	)
	return err
}

// ListTransferPairs returns the user's transfer pairs, newest first.
func (r *SQLRepository) ListTransferPairs(ctx context.Context, userID string) ([]*domain.TransferPair, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, out_entry_id, in_entry_id, score, created_at
		FROM transfer_pairs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.q.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []*domain.TransferPair
	for rows.Next() {
		var p domain.TransferPair
		if err := rows.Scan(&p.ID, &p.UserID, &p.OutEntryID, &p.InEntryID, &p.Score, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = timeUTC(p.CreatedAt)
		pairs = append(pairs, &p)
	}
	return pairs, rows.Err()
}

const matchSelect = `
	SELECT id, user_id, txn_id, entry_ids, score, breakdown,
		status, version, superseded_by_id, created_at, updated_at
	FROM matches
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row *sql.Row) (*domain.Match, error) {
	return decodeMatch(row)
}

func scanMatchRows(rows *sql.Rows) (*domain.Match, error) {
	return decodeMatch(rows)
}

func decodeMatch(s rowScanner) (*domain.Match, error) {
	var m domain.Match
	var entryIDs, breakdown, status string
	var supersededBy sql.NullString

	err := s.Scan(&m.ID, &m.UserID, &m.TxnID, &entryIDs, &m.Score, &breakdown,
		&status, &m.Version, &supersededBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entryIDs), &m.EntryIDs); err != nil {
		return nil, fmt.Errorf("corrupt match entry ids: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &m.Breakdown); err != nil {
		return nil, fmt.Errorf("corrupt match breakdown: %w", err)
	}
	m.Status = domain.MatchStatus(status)
	m.SupersededByID = supersededBy.String
	m.CreatedAt = timeUTC(m.CreatedAt)
	m.UpdatedAt = timeUTC(m.UpdatedAt)
	return &m, nil
}
