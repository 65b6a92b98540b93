// Package scoring provides the pure per-dimension similarity scores used
// by the matching engine. Every score is an int in [0,100].
package scoring

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DaysBetween returns the whole calendar days between two instants,
// ignoring time of day.
func DaysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// nearBand is the fixed absolute band that still earns a 70 for
// single-entry candidates.
var nearBand = decimal.NewFromInt(5)

// exactBand is the rounding slack below which two amounts are the same.
var exactBand = decimal.NewFromFloat(0.01)

// Amount scores how close a candidate amount is to the transaction
// amount. multi indicates the candidate is a combination of entries,
// which widens the near band to twice the tolerance.
func Amount(txnAmount, candidateAmount decimal.Decimal, tol domain.Tolerance, multi bool) int {
	if txnAmount.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	diff := txnAmount.Sub(candidateAmount).Abs()

	if diff.LessThanOrEqual(exactBand) {
		return 100
	}
	if diff.LessThanOrEqual(tol.For(txnAmount)) {
		return 90
	}

	band := nearBand
	if multi {
		band = tol.For(txnAmount).Mul(decimal.NewFromInt(2))
	}
	if diff.LessThanOrEqual(band) {
		return 70
	}

	ratio, _ := diff.Div(txnAmount).Float64()
	score := 100 - int(math.Round(ratio*100))
	// Outside every band the score stays at or below the near-band 70,
	// keeping it non-increasing in the difference for large amounts.
	if score > 70 {
		score = 70
	}
	if score < 0 {
		return 0
	}
	return score
}

// Date scores proximity between the transaction date and an entry date.
// Candidates inside the window that cross a calendar-month boundary get
// a cross-period bonus over same-month ones.
func Date(txnDate, entryDate time.Time, windowDays int) int {
	days := DaysBetween(txnDate, entryDate)

	switch {
	case days == 0:
		return 100
	case days <= 3:
		return 90
	case days <= windowDays:
		if txnDate.Month() != entryDate.Month() || txnDate.Year() != entryDate.Year() {
			return 75
		}
		return 70
	default:
		score := 100 - 10*days
		if score < 0 {
			return 0
		}
		return score
	}
}

// Business scores how well the entry's account shape fits the
// transaction direction, table-driven. The weakest plausible pairing
// still gets 40; an unknown direction scores a neutral 50.
func Business(direction domain.TxnDirection, entry *domain.Entry) int {
	types := entry.AccountTypes()
	asset := types[domain.AccountAsset]

	switch direction {
	case domain.DirectionIn:
		switch {
		case asset && types[domain.AccountIncome]:
			return 100
		case asset && types[domain.AccountLiability]:
			return 85
		case asset && types[domain.AccountEquity]:
			return 75
		case asset && len(types) == 1:
			return 70
		default:
			return 40
		}
	case domain.DirectionOut:
		switch {
		case asset && types[domain.AccountExpense]:
			return 100
		case asset && types[domain.AccountLiability]:
			// liability repayment
			return 90
		case asset && types[domain.AccountEquity]:
			return 75
		case asset && len(types) == 1:
			return 70
		default:
			return 40
		}
	default:
		return 50
	}
}

// WeightedTotal combines a breakdown into the final 0..100 score. For
// many-to-one group matches the amount dimension gets a +5 bonus and a
// flat bonus of 10 is recorded in the flags and added to the total.
func WeightedTotal(b *domain.Breakdown, w domain.Weights, manyToOne bool) int {
	if manyToOne {
		b.Amount += 5
		if b.Amount > 100 {
			b.Amount = 100
		}
		b.Flags.ManyToOneBonus = 10
	}

	total := w.Amount*float64(b.Amount) +
		w.Date*float64(b.Date) +
		w.Description*float64(b.Description) +
		w.Business*float64(b.Business) +
		w.History*float64(b.History)

	score := int(math.Round(total)) + b.Flags.ManyToOneBonus
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
