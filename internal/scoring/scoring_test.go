package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func defaultTolerance() domain.Tolerance {
	return domain.Tolerance{Percent: 0.005, Absolute: 0.10}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAmountExactMatch(t *testing.T) {
	tol := defaultTolerance()

	for _, amt := range []string{"0.02", "1.00", "42.50", "1000.00", "99999.99"} {
		if got := Amount(d(amt), d(amt), tol, false); got != 100 {
			t.Errorf("Amount(%s, %s) = %d, want 100", amt, amt, got)
		}
	}
}

func TestAmountBands(t *testing.T) {
	tol := defaultTolerance()

	tests := []struct {
		name  string
		txn   string
		cand  string
		multi bool
		want  int
	}{
		{"penny rounding", "100.00", "100.01", false, 100},
		{"within tolerance", "100.00", "100.40", false, 90},
		{"within percent tolerance", "10000.00", "10040.00", false, 90},
		{"within five dollar band", "100.00", "104.00", false, 70},
		{"linear decay", "10.00", "16.00", false, 40},
		{"floor at zero", "10.00", "25.00", false, 0},
		{"zero amount", "0.00", "5.00", false, 0},
		{"multi widens band to twice tolerance", "10000.00", "10090.00", true, 70},
		{"multi still respects tolerance", "10000.00", "10040.00", true, 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Amount(d(tt.txn), d(tt.cand), tol, tt.multi); got != tt.want {
				t.Errorf("Amount(%s, %s, multi=%v) = %d, want %d", tt.txn, tt.cand, tt.multi, got, tt.want)
			}
		})
	}
}

func TestAmountMonotoneInDiff(t *testing.T) {
	tol := defaultTolerance()

	tests := []struct {
		name  string
		txn   string
		diffs []string
	}{
		{
			name:  "small amount",
			txn:   "10.00",
			diffs: []string{"0.00", "0.008", "0.08", "2.00", "4.50", "6.00", "8.00", "9.50", "12.00"},
		},
		{
			// On a large amount the linear branch starts just past the
			// five dollar band, where the raw ratio would still round
			// close to 100.
			name:  "large amount past tolerance band",
			txn:   "1000.00",
			diffs: []string{"0.00", "0.008", "3.00", "4.90", "5.50", "6.00", "20.00", "300.00", "700.00", "1100.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := d(tt.txn)
			prev := 101
			for _, diff := range tt.diffs {
				got := Amount(txn, txn.Add(d(diff)), tol, false)
				if got > prev {
					t.Fatalf("score increased from %d to %d at diff %s", prev, got, diff)
				}
				prev = got
			}
			if prev != 0 {
				t.Errorf("expected floor 0 for large diff, got %d", prev)
			}
		})
	}
}

func TestDate(t *testing.T) {
	day := func(y int, m time.Month, dd int) time.Time {
		return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		txn   time.Time
		entry time.Time
		want  int
	}{
		{"same day", day(2024, 1, 15), day(2024, 1, 15), 100},
		{"same day different hours", day(2024, 1, 15).Add(23 * time.Hour), day(2024, 1, 15), 100},
		{"three days", day(2024, 1, 15), day(2024, 1, 12), 90},
		{"in window same month", day(2024, 1, 15), day(2024, 1, 20), 70},
		{"in window crossing month", day(2024, 1, 30), day(2024, 2, 3), 75},
		{"in window crossing year", day(2023, 12, 29), day(2024, 1, 2), 75},
		{"beyond window", day(2024, 1, 1), day(2024, 1, 9), 20},
		{"floor at zero", day(2024, 1, 1), day(2024, 2, 1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Date(tt.txn, tt.entry, 7); got != tt.want {
				t.Errorf("Date = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDateDecaysBeyondWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	prev := 101
	for days := 8; days <= 12; days++ {
		got := Date(base, base.AddDate(0, 0, days), 7)
		if got >= prev {
			t.Fatalf("score did not strictly decrease at %d days: %d -> %d", days, prev, got)
		}
		if got == 0 {
			return
		}
		prev = got
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want func(int) bool
	}{
		{"identical", "Salary Payment", "Salary Payment", func(s int) bool { return s == 100 }},
		{"identical after normalization", "ACME *Corp-01", "acme corp 01", func(s int) bool { return s == 100 }},
		{"empty left", "", "whatever", func(s int) bool { return s == 0 }},
		{"punctuation only", "***", "whatever", func(s int) bool { return s == 0 }},
		{"overlapping", "Grab Transport SG", "Grab Transport Singapore", func(s int) bool { return s > 60 }},
		{"unrelated", "Netflix subscription", "Hardware store purchase", func(s int) bool { return s < 50 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Description(tt.a, tt.b)
			if !tt.want(got) {
				t.Errorf("Description(%q, %q) = %d", tt.a, tt.b, got)
			}
			if got < 0 || got > 100 {
				t.Errorf("score out of range: %d", got)
			}
		})
	}
}

func TestBusiness(t *testing.T) {
	entry := func(types ...domain.AccountType) *domain.Entry {
		e := &domain.Entry{}
		for _, typ := range types {
			e.Lines = append(e.Lines, domain.Line{AccountType: typ, Direction: domain.Debit, Amount: d("1")})
		}
		return e
	}

	tests := []struct {
		name      string
		direction domain.TxnDirection
		entry     *domain.Entry
		want      int
	}{
		{"in asset income", domain.DirectionIn, entry(domain.AccountAsset, domain.AccountIncome), 100},
		{"in asset liability", domain.DirectionIn, entry(domain.AccountAsset, domain.AccountLiability), 85},
		{"in asset equity", domain.DirectionIn, entry(domain.AccountAsset, domain.AccountEquity), 75},
		{"in asset only", domain.DirectionIn, entry(domain.AccountAsset), 70},
		{"in no asset", domain.DirectionIn, entry(domain.AccountExpense, domain.AccountIncome), 40},
		{"out asset expense", domain.DirectionOut, entry(domain.AccountAsset, domain.AccountExpense), 100},
		{"out liability repayment", domain.DirectionOut, entry(domain.AccountAsset, domain.AccountLiability), 90},
		{"out asset equity", domain.DirectionOut, entry(domain.AccountAsset, domain.AccountEquity), 75},
		{"out asset only", domain.DirectionOut, entry(domain.AccountAsset), 70},
		{"unknown direction", domain.TxnDirection("SIDEWAYS"), entry(domain.AccountAsset), 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Business(tt.direction, tt.entry); got != tt.want {
				t.Errorf("Business = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWeightedTotal(t *testing.T) {
	w := domain.DefaultMatchingConfig().Weights

	t.Run("perfect score", func(t *testing.T) {
		b := &domain.Breakdown{Amount: 100, Date: 100, Description: 100, Business: 100, History: 100}
		if got := WeightedTotal(b, w, false); got != 100 {
			t.Errorf("WeightedTotal = %d, want 100", got)
		}
	})

	t.Run("weighted mix", func(t *testing.T) {
		b := &domain.Breakdown{Amount: 100, Date: 90, Description: 80, Business: 70, History: 0}
		// 40 + 22.5 + 16 + 7 + 0 = 85.5 -> 86
		if got := WeightedTotal(b, w, false); got != 86 {
			t.Errorf("WeightedTotal = %d, want 86", got)
		}
	})

	t.Run("many to one bonus", func(t *testing.T) {
		b := &domain.Breakdown{Amount: 90, Date: 100, Description: 100, Business: 100, History: 0}
		got := WeightedTotal(b, w, true)
		if b.Flags.ManyToOneBonus != 10 {
			t.Errorf("ManyToOneBonus flag = %d, want 10", b.Flags.ManyToOneBonus)
		}
		if b.Amount != 95 {
			t.Errorf("amount bonus not applied: %d, want 95", b.Amount)
		}
		// 38 + 25 + 20 + 10 + 0 = 93, +10 bonus capped at 100
		if got != 100 {
			t.Errorf("WeightedTotal = %d, want 100", got)
		}
	})
}

func TestMerchantTokens(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want []string
	}{
		{"skips generic and numeric", "Payment to ACME Corp ref 12345", []string{"acme", "corp"}},
		{"caps at three", "alpha beta gamma delta", []string{"alpha", "beta", "gamma"}},
		{"nothing meaningful", "payment ref 99", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MerchantTokens(tt.desc, 3)
			if len(got) != len(tt.want) {
				t.Fatalf("MerchantTokens(%q) = %v, want %v", tt.desc, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type fakeHistoryStore struct {
	history map[string][]domain.HistoricalTxn
	calls   int
}

func (f *fakeHistoryStore) ListReconciledHistory(_ context.Context, _ string, token string, _ int) ([]domain.HistoricalTxn, error) {
	f.calls++
	return f.history[token], nil
}

func TestHistoryScorer(t *testing.T) {
	tol := defaultTolerance()
	ctx := context.Background()

	txn := func(desc, amount string) *domain.Transaction {
		return &domain.Transaction{Description: desc, Amount: d(amount)}
	}

	t.Run("no history", func(t *testing.T) {
		h := NewHistoryScorer(&fakeHistoryStore{history: map[string][]domain.HistoricalTxn{}}, "user-1")
		if got := h.Score(ctx, txn("Netflix monthly", "15.99"), tol); got != 0 {
			t.Errorf("Score = %d, want 0", got)
		}
	})

	t.Run("amount within tolerance", func(t *testing.T) {
		store := &fakeHistoryStore{history: map[string][]domain.HistoricalTxn{
			"netflix": {{Amount: d("15.99")}},
		}}
		h := NewHistoryScorer(store, "user-1")
		if got := h.Score(ctx, txn("Netflix monthly", "15.99"), tol); got != 80 {
			t.Errorf("Score = %d, want 80", got)
		}
	})

	t.Run("history without matching amount", func(t *testing.T) {
		store := &fakeHistoryStore{history: map[string][]domain.HistoricalTxn{
			"netflix": {{Amount: d("99.00")}},
		}}
		h := NewHistoryScorer(store, "user-1")
		if got := h.Score(ctx, txn("Netflix monthly", "15.99"), tol); got != 40 {
			t.Errorf("Score = %d, want 40", got)
		}
	})

	t.Run("lookups cached per leading token", func(t *testing.T) {
		store := &fakeHistoryStore{history: map[string][]domain.HistoricalTxn{
			"netflix": {{Amount: d("15.99")}},
		}}
		h := NewHistoryScorer(store, "user-1")
		h.Score(ctx, txn("Netflix monthly", "15.99"), tol)
		h.Score(ctx, txn("Netflix renewal", "15.99"), tol)
		if store.calls != 1 {
			t.Errorf("store queried %d times, want 1", store.calls)
		}
	})

	t.Run("generic description scores zero without lookup", func(t *testing.T) {
		store := &fakeHistoryStore{}
		h := NewHistoryScorer(store, "user-1")
		if got := h.Score(ctx, txn("payment ref 12345", "10.00"), tol); got != 0 {
			t.Errorf("Score = %d, want 0", got)
		}
		if store.calls != 0 {
			t.Errorf("unexpected history lookup")
		}
	})
}
