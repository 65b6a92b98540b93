package matching

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Candidate is a scored match proposal: one transaction against one to
// three ledger entries.
type Candidate struct {
	Entries   []*domain.Entry
	EntryIDs  []string
	Score     int
	Breakdown domain.Breakdown
}

// ScoreInput tunes a single scoring evaluation.
type ScoreInput struct {
	Entries []*domain.Entry

	// ManyToOne marks the candidate as one entry covering a group of
	// transactions; it earns the amount bonus and breakdown flag.
	ManyToOne bool

	// AmountOverride replaces the transaction amount, used for group
	// sums in many-to-one matching.
	AmountOverride *decimal.Decimal

	// HistoryOverride supplies a precomputed history score so a batch
	// does not repeat history lookups per candidate.
	HistoryOverride *int
}

// Scorer evaluates a transaction against candidate entry sets.
type Scorer struct {
	cfg     domain.MatchingConfig
	history *scoring.HistoryScorer
}

// NewScorer creates a scorer bound to one run's config and history cache.
func NewScorer(cfg domain.MatchingConfig, history *scoring.HistoryScorer) *Scorer {
	return &Scorer{cfg: cfg, history: history}
}

// Score produces a scored proposal for the transaction against the
// input's entry set. Entry amount is the sum of debit lines; the date
// dimension takes the best-case proximity across the set, business the
// weakest link.
func (s *Scorer) Score(ctx context.Context, txn *domain.Transaction, in ScoreInput) *Candidate {
	amount := txn.Amount
	if in.AmountOverride != nil {
		amount = *in.AmountOverride
	}

	total := decimal.Zero
	memos := make([]string, 0, len(in.Entries))
	ids := make([]string, 0, len(in.Entries))
	dateScore, business := 0, 101
	for _, e := range in.Entries {
		total = total.Add(e.DebitTotal())
		memos = append(memos, e.Memo)
		ids = append(ids, e.ID)

		if ds := scoring.Date(txn.Date, e.Date, s.cfg.DateWindowDays); ds > dateScore {
			dateScore = ds
		}
		if bs := scoring.Business(txn.Direction, e); bs < business {
			business = bs
		}
	}

	multi := len(in.Entries) > 1

	breakdown := domain.Breakdown{
		Amount:      scoring.Amount(amount, total, s.cfg.Tolerance, multi),
		Date:        dateScore,
		Description: scoring.Description(txn.Description, strings.Join(memos, " ")),
		Business:    business,
	}
	if multi {
		breakdown.Flags.MultiEntry = len(in.Entries)
	}

	if in.HistoryOverride != nil {
		breakdown.History = *in.HistoryOverride
	} else if s.history != nil {
		breakdown.History = s.history.Score(ctx, txn, s.cfg.Tolerance)
	}

	return &Candidate{
		Entries:   in.Entries,
		EntryIDs:  ids,
		Score:     scoring.WeightedTotal(&breakdown, s.cfg.Weights, in.ManyToOne),
		Breakdown: breakdown,
	}
}

// Best returns the higher-scoring of two candidates, tolerating nils.
func Best(a, b *Candidate) *Candidate {
	if a == nil {
		return b
	}
	if b == nil || a.Score >= b.Score {
		return a
	}
	return b
}
