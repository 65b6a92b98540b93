package scoring

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// historyLimit is how many recent reconciled transactions a history
// lookup considers.
const historyLimit = 10

// HistoryStore is the slice of the repository the history scorer needs.
type HistoryStore interface {
	ListReconciledHistory(ctx context.Context, userID string, token string, limit int) ([]domain.HistoricalTxn, error)
}

// HistoryScorer scores a transaction against the user's reconciliation
// history. Lookups are cached by leading merchant token for the life of
// the scorer, which is scoped to a single matching run and must never be
// shared across users.
type HistoryScorer struct {
	store  HistoryStore
	userID string
	cache  map[string][]domain.HistoricalTxn
}

// NewHistoryScorer creates a run-scoped history scorer for one user.
func NewHistoryScorer(store HistoryStore, userID string) *HistoryScorer {
	return &HistoryScorer{
		store:  store,
		userID: userID,
		cache:  make(map[string][]domain.HistoricalTxn),
	}
}

// Score returns 80 when a previously reconciled transaction under the
// same merchant token has an amount within tolerance, 40 when history
// exists but no amount matches, and 0 when there is no history at all.
func (h *HistoryScorer) Score(ctx context.Context, txn *domain.Transaction, tol domain.Tolerance) int {
	tokens := MerchantTokens(txn.Description, 3)
	if len(tokens) == 0 {
		return 0
	}
	leading := tokens[0]

	history, ok := h.cache[leading]
	if !ok {
		var err error
		history, err = h.store.ListReconciledHistory(ctx, h.userID, leading, historyLimit)
		if err != nil {
			slog.Warn("history lookup failed",
				"user_id", h.userID,
				"token", leading,
				"error", err,
			)
			return 0
		}
		h.cache[leading] = history
	}

	if len(history) == 0 {
		return 0
	}

	band := tol.For(txn.Amount)
	for _, past := range history {
		if txn.Amount.Sub(past.Amount).Abs().LessThanOrEqual(band) {
			return 80
		}
	}
	return 40
}
