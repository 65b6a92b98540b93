package matching

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Pairing dimension weights. Business and history do not apply to two
// legs of the same transfer, so the remaining dimensions are rescaled.
const (
	pairAmountWeight = 0.45
	pairDateWeight   = 0.30
	pairMemoWeight   = 0.25
)

// transferLeg is one Processing-account side of a potential pair.
type transferLeg struct {
	entry  *domain.Entry
	amount decimal.Decimal
	date   time.Time
}

// Pairer nets opposite-direction Processing-account entries that likely
// represent the two legs of one transfer. Unpaired legs stay visible as
// a non-zero Processing balance.
type Pairer struct {
	cfg domain.MatchingConfig
}

// NewPairer creates a transfer auto-pairer.
func NewPairer(cfg domain.MatchingConfig) *Pairer {
	return &Pairer{cfg: cfg}
}

// Pair scans unpaired Processing entries for the user and links
// opposite-direction legs whose combined similarity clears the pairing
// threshold. Greedy best-first: each leg pairs at most once.
func (p *Pairer) Pair(ctx context.Context, repo domain.Repository, userID string) ([]*domain.TransferPair, error) {
	processing, err := repo.GetOrCreateSystemAccount(ctx, userID, domain.ProcessingAccountName, domain.AccountAsset)
	if err != nil {
		return nil, err
	}

	entries, err := repo.ListProcessingEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	paired := make(map[string]bool)
	existing, err := repo.ListTransferPairs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pr := range existing {
		paired[pr.OutEntryID] = true
		paired[pr.InEntryID] = true
	}

	var outLegs, inLegs []transferLeg
	for _, e := range entries {
		if paired[e.ID] || e.Status == domain.EntryVoid {
			continue
		}
		for _, l := range e.Lines {
			if l.AccountID != processing.ID {
				continue
			}
			leg := transferLeg{entry: e, amount: l.Amount, date: e.Date}
			if l.Direction == domain.Debit {
				outLegs = append(outLegs, leg)
			} else {
				inLegs = append(inLegs, leg)
			}
			break
		}
	}

	var pairs []*domain.TransferPair
	usedIn := make(map[string]bool)

	for _, out := range outLegs {
		bestScore := -1
		bestIdx := -1
		for i, in := range inLegs {
			if usedIn[in.entry.ID] {
				continue
			}
			score := p.legSimilarity(out, in)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx < 0 || bestScore < p.cfg.PairingThreshold {
			continue
		}

		in := inLegs[bestIdx]
		pair := &domain.TransferPair{
			ID:         uuid.New().String(),
			UserID:     userID,
			OutEntryID: out.entry.ID,
			InEntryID:  in.entry.ID,
			Score:      bestScore,
			CreatedAt:  time.Now().UTC(),
		}
		if err := repo.CreateTransferPair(ctx, userID, pair); err != nil {
			// Pairing is best-effort; a failed pair leaves both legs
			// visible in the Processing balance.
			slog.Warn("failed to persist transfer pair",
				"user_id", userID,
				"out_entry", out.entry.ID,
				"in_entry", in.entry.ID,
				"error", err,
			)
			continue
		}
		usedIn[in.entry.ID] = true
		pairs = append(pairs, pair)
	}

	return pairs, nil
}

// legSimilarity scores two opposite legs on amount, date and memo.
func (p *Pairer) legSimilarity(out, in transferLeg) int {
	amount := scoring.Amount(out.amount, in.amount, p.cfg.Tolerance, false)
	date := scoring.Date(out.date, in.date, p.cfg.DateWindowDays)
	memo := scoring.Description(out.entry.Memo, in.entry.Memo)

	total := pairAmountWeight*float64(amount) +
		pairDateWeight*float64(date) +
		pairMemoWeight*float64(memo)
	return int(math.Round(total))
}

// UnpairedLegs returns the Processing entries that still lack a
// counterpart, with their leg direction and amount.
func UnpairedLegs(ctx context.Context, repo domain.Repository, userID string) ([]domain.UnpairedTransfer, error) {
	processing, err := repo.GetOrCreateSystemAccount(ctx, userID, domain.ProcessingAccountName, domain.AccountAsset)
	if err != nil {
		return nil, err
	}

	entries, err := repo.ListProcessingEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	paired := make(map[string]bool)
	pairs, err := repo.ListTransferPairs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pr := range pairs {
		paired[pr.OutEntryID] = true
		paired[pr.InEntryID] = true
	}

	var out []domain.UnpairedTransfer
	for _, e := range entries {
		if paired[e.ID] || e.Status == domain.EntryVoid {
			continue
		}
		for _, l := range e.Lines {
			if l.AccountID != processing.ID {
				continue
			}
			direction := domain.DirectionOut
			if l.Direction == domain.Credit {
				direction = domain.DirectionIn
			}
			out = append(out, domain.UnpairedTransfer{
				EntryID:   e.ID,
				Direction: direction,
				Amount:    l.Amount.StringFixed(2),
				Date:      e.Date,
				Memo:      e.Memo,
			})
			break
		}
	}
	return out, nil
}
