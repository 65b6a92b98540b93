// Package matching implements candidate retrieval, match scoring, and
// the three-phase reconciliation pipeline.
package matching

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// candidateStatuses are the entry states eligible for matching. VOID
// entries are never candidates.
var candidateStatuses = []domain.EntryStatus{domain.EntryPosted, domain.EntryReconciled}

// Retriever fetches ledger entries eligible as match candidates.
type Retriever struct {
	repo domain.Repository
	cfg  domain.MatchingConfig
}

// NewRetriever creates a candidate retriever.
func NewRetriever(repo domain.Repository, cfg domain.MatchingConfig) *Retriever {
	return &Retriever{repo: repo, cfg: cfg}
}

// Window fetches all candidate entries for a user between from and to,
// dropping entries that fail the balance re-check. One superset query
// per batch; per-transaction narrowing happens in memory.
func (r *Retriever) Window(ctx context.Context, userID string, from, to time.Time) ([]*domain.Entry, error) {
	entries, err := r.repo.ListEntriesInWindow(ctx, userID, from, to, candidateStatuses)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		// Upstream guarantees balance; broken entries are skipped, not
		// surfaced, since raising here would block the whole batch.
		if !e.Balanced() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FilterForDate narrows a prefetched superset to entries within the
// configured window around ref.
func FilterForDate(entries []*domain.Entry, ref time.Time, windowDays int) []*domain.Entry {
	var out []*domain.Entry
	for _, e := range entries {
		if scoring.DaysBetween(ref, e.Date) <= windowDays {
			out = append(out, e)
		}
	}
	return out
}

// Prune bounds an oversized candidate set before combinatorial search.
// Candidates whose amount is within 1% of the target sort first, then by
// absolute amount difference, then by absolute date distance.
func Prune(entries []*domain.Entry, target decimal.Decimal, ref time.Time, cap int) []*domain.Entry {
	if cap <= 0 || len(entries) <= cap {
		return entries
	}

	onePercent := target.Mul(decimal.NewFromFloat(0.01))

	type ranked struct {
		entry      *domain.Entry
		exact      bool
		amountDiff decimal.Decimal
		dateDiff   int
	}

	rankings := make([]ranked, len(entries))
	for i, e := range entries {
		diff := target.Sub(e.DebitTotal()).Abs()
		rankings[i] = ranked{
			entry:      e,
			exact:      diff.LessThanOrEqual(onePercent),
			amountDiff: diff,
			dateDiff:   scoring.DaysBetween(ref, e.Date),
		}
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.exact != b.exact {
			return a.exact
		}
		if !a.amountDiff.Equal(b.amountDiff) {
			return a.amountDiff.LessThan(b.amountDiff)
		}
		return a.dateDiff < b.dateDiff
	})

	out := make([]*domain.Entry, cap)
	for i := 0; i < cap; i++ {
		out[i] = rankings[i].entry
	}
	return out
}
