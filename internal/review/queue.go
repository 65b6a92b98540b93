// Package review exposes accept/reject operations over pending matches.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrAmountMismatch is returned when none of a match's linked entry
	// totals reconcile with the transaction amount.
	ErrAmountMismatch = errors.New("amount mismatch between transaction and linked entries")

	// ErrNotOwned is returned when the transaction's owning statement
	// belongs to a different user.
	ErrNotOwned = errors.New("transaction not owned by user")

	// ErrInvalidTransition is returned for illegal match status moves,
	// e.g. accepting a rejected or superseded match.
	ErrInvalidTransition = errors.New("invalid match status transition")
)

// Queue owns the human review surface of the reconciliation engine.
type Queue struct {
	repo domain.Repository
	bus  domain.EventBus
	cfg  domain.MatchingConfig
}

// NewQueue creates a review queue.
func NewQueue(repo domain.Repository, bus domain.EventBus, cfg domain.MatchingConfig) *Queue {
	return &Queue{repo: repo, bus: bus, cfg: cfg}
}

// AcceptOptions tune a single accept.
type AcceptOptions struct {
	// SkipAmountValidation bypasses the tolerance check, for operators
	// who have verified the discrepancy out of band.
	SkipAmountValidation bool
}

// ListPending returns the user's matches awaiting review.
func (q *Queue) ListPending(ctx context.Context, userID string, limit, offset int) ([]*domain.Match, error) {
	return q.repo.ListMatches(ctx, userID, domain.MatchFilter{
		Status: domain.MatchPendingReview,
		Limit:  limit,
		Offset: offset,
	})
}

// Accept promotes a pending match. Accepting an already accepted match
// is a no-op returning it unchanged. Unless skipped, the amount check
// requires the linked entries, individually or combined, to land within
// tolerance of the transaction amount. The match, transaction and entry
// status writes commit in one repository transaction.
func (q *Queue) Accept(ctx context.Context, userID, matchID string, opts AcceptOptions) (*domain.Match, error) {
	var (
		m        *domain.Match
		accepted bool
	)
	err := q.repo.RunInTx(ctx, func(r domain.Repository) error {
		var err error
		m, accepted, err = q.accept(ctx, r, userID, matchID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if accepted {
		q.publish(ctx, userID, domain.TopicMatchAccepted, m)
	}
	return m, nil
}

// accept runs against the transaction-bound repository. The returned
// bool reports whether a transition happened, so no-op accepts skip the
// event publish.
func (q *Queue) accept(ctx context.Context, repo domain.Repository, userID, matchID string, opts AcceptOptions) (*domain.Match, bool, error) {
	m, err := repo.GetMatch(ctx, userID, matchID)
	if err != nil {
		return nil, false, err
	}

	switch m.Status {
	case domain.MatchAccepted, domain.MatchAutoAccepted:
		return m, false, nil
	case domain.MatchPendingReview:
		// fall through
	default:
		return nil, false, fmt.Errorf("%w: cannot accept match in status %s", ErrInvalidTransition, m.Status)
	}

	txn, err := repo.GetTransaction(ctx, userID, m.TxnID)
	if err != nil {
		return nil, false, err
	}

	entries := make([]*domain.Entry, 0, len(m.EntryIDs))
	for _, id := range m.EntryIDs {
		e, err := repo.GetEntry(ctx, userID, id)
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}

	if !opts.SkipAmountValidation && !amountsReconcile(txn, entries, q.cfg.Tolerance) {
		return nil, false, fmt.Errorf("%w: transaction %s", ErrAmountMismatch, txn.ID)
	}

	m.Status = domain.MatchAccepted
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	if err := repo.UpdateMatch(ctx, userID, m); err != nil {
		return nil, false, err
	}

	if err := repo.UpdateTransactionStatus(ctx, userID, txn.ID, domain.TxnMatched); err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.Status == domain.EntryVoid {
			continue
		}
		if err := repo.UpdateEntryStatus(ctx, userID, e.ID, domain.EntryReconciled); err != nil {
			return nil, false, err
		}
	}

	return m, true, nil
}

// Reject dismisses a pending match and releases its transaction back to
// UNMATCHED, committing both writes in one repository transaction.
// Rejecting an already rejected match is a no-op.
func (q *Queue) Reject(ctx context.Context, userID, matchID string) (*domain.Match, error) {
	var (
		m        *domain.Match
		rejected bool
	)
	err := q.repo.RunInTx(ctx, func(r domain.Repository) error {
		var err error
		m, err = r.GetMatch(ctx, userID, matchID)
		if err != nil {
			return err
		}

		switch m.Status {
		case domain.MatchRejected:
			return nil
		case domain.MatchPendingReview:
			// fall through
		default:
			return fmt.Errorf("%w: cannot reject match in status %s", ErrInvalidTransition, m.Status)
		}

		m.Status = domain.MatchRejected
		m.Version++
		m.UpdatedAt = time.Now().UTC()
		if err := r.UpdateMatch(ctx, userID, m); err != nil {
			return err
		}
		if err := r.UpdateTransactionStatus(ctx, userID, m.TxnID, domain.TxnUnmatched); err != nil {
			return err
		}
		rejected = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected {
		q.publish(ctx, userID, domain.TopicMatchRejected, m)
	}
	return m, nil
}

// BatchAccept accepts several matches, silently skipping any whose
// score is below minScore. Per-match failures do not stop the batch;
// they are joined and returned alongside the accepted matches.
func (q *Queue) BatchAccept(ctx context.Context, userID string, matchIDs []string, minScore int) ([]*domain.Match, error) {
	var accepted []*domain.Match
	var errs []error

	for _, id := range matchIDs {
		m, err := q.repo.GetMatch(ctx, userID, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("match %s: %w", id, err))
			continue
		}
		if m.Score < minScore {
			slog.Debug("batch accept skipping low score match",
				"match_id", id,
				"score", m.Score,
				"min_score", minScore,
			)
			continue
		}
		res, err := q.Accept(ctx, userID, id, AcceptOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("match %s: %w", id, err))
			continue
		}
		accepted = append(accepted, res)
	}

	return accepted, errors.Join(errs...)
}

// CreateEntryFromUnmatched builds a DRAFT two-line entry for a
// transaction no candidate could cover, against the statement's linked
// account when present or generic uncategorized accounts otherwise. The
// transaction goes back to PENDING to await the normal posting workflow.
func (q *Queue) CreateEntryFromUnmatched(ctx context.Context, userID, txnID string) (*domain.Entry, error) {
	var entry *domain.Entry
	err := q.repo.RunInTx(ctx, func(r domain.Repository) error {
		txn, err := r.GetTransaction(ctx, userID, txnID)
		if err != nil {
			return err
		}

		st, err := r.GetStatement(ctx, userID, txn.StatementID)
		if err != nil {
			// The statement exists but is not visible under this user.
			return fmt.Errorf("%w: transaction %s", ErrNotOwned, txnID)
		}

		var bank *domain.Account
		if st.AccountID != "" {
			bank, err = r.GetAccount(ctx, userID, st.AccountID)
		} else {
			bank, err = r.GetOrCreateSystemAccount(ctx, userID, "Uncategorized", domain.AccountAsset)
		}
		if err != nil {
			return err
		}

		categoryName, categoryType := "Uncategorized Income", domain.AccountIncome
		if txn.Direction == domain.DirectionOut {
			categoryName, categoryType = "Uncategorized Expense", domain.AccountExpense
		}
		category, err := r.GetOrCreateSystemAccount(ctx, userID, categoryName, categoryType)
		if err != nil {
			return err
		}

		entry = &domain.Entry{
			ID:     uuid.New().String(),
			UserID: userID,
			Date:   txn.Date,
			Memo:   txn.Description,
			Status: domain.EntryDraft,
			Source: domain.SourceSystem,
		}

		debit := domain.Line{ID: uuid.New().String(), EntryID: entry.ID, Direction: domain.Debit, Amount: txn.Amount}
		credit := domain.Line{ID: uuid.New().String(), EntryID: entry.ID, Direction: domain.Credit, Amount: txn.Amount}
		if txn.Direction == domain.DirectionOut {
			debit.AccountID, debit.AccountType = category.ID, category.Type
			credit.AccountID, credit.AccountType = bank.ID, bank.Type
		} else {
			debit.AccountID, debit.AccountType = bank.ID, bank.Type
			credit.AccountID, credit.AccountType = category.ID, category.Type
		}
		entry.Lines = []domain.Line{debit, credit}

		if err := r.CreateEntry(ctx, userID, entry); err != nil {
			return err
		}
		return r.UpdateTransactionStatus(ctx, userID, txn.ID, domain.TxnPending)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// amountsReconcile checks the combined entry total first, then each
// entry individually, against the transaction amount.
func amountsReconcile(txn *domain.Transaction, entries []*domain.Entry, tol domain.Tolerance) bool {
	band := tol.For(txn.Amount)

	combined := txn.Amount.Neg()
	for _, e := range entries {
		total := e.DebitTotal()
		combined = combined.Add(total)
		if total.Sub(txn.Amount).Abs().LessThanOrEqual(band) {
			return true
		}
	}
	return combined.Abs().LessThanOrEqual(band)
}

func (q *Queue) publish(ctx context.Context, userID, topic string, m *domain.Match) {
	if q.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"matchId": m.ID,
		"txnId":   m.TxnID,
		"status":  m.Status,
		"version": m.Version,
	})
	if err := q.bus.Publish(ctx, userID, topic, payload); err != nil {
		slog.Warn("failed to publish review event",
			"topic", topic,
			"match_id", m.ID,
			"error", err,
		)
	}
}
