package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies a ledger account.
type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountIncome    AccountType = "INCOME"
	AccountExpense   AccountType = "EXPENSE"
)

// Account is a ledger account. System accounts (the "Processing" suspense
// account, "Uncategorized" fallbacks) are created on demand per user.
type Account struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	System    bool        `json:"system"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ProcessingAccountName is the per-user suspense account transfers are
// booked through before their two legs are paired.
const ProcessingAccountName = "Processing"

// LineDirection is the side of a ledger line.
type LineDirection string

const (
	Debit  LineDirection = "DEBIT"
	Credit LineDirection = "CREDIT"
)

// EntryStatus is the posting state of a ledger entry.
type EntryStatus string

const (
	EntryDraft      EntryStatus = "DRAFT"
	EntryPosted     EntryStatus = "POSTED"
	EntryReconciled EntryStatus = "RECONCILED"
	EntryVoid       EntryStatus = "VOID"
)

// EntrySource distinguishes user-created entries from ones the engine
// synthesizes (transfer legs).
type EntrySource string

const (
	SourceUser   EntrySource = "user"
	SourceSystem EntrySource = "system"
)

// Line is one side of a double-entry booking.
type Line struct {
	ID          string          `json:"id"`
	EntryID     string          `json:"entryId"`
	AccountID   string          `json:"accountId"`
	AccountType AccountType     `json:"accountType"`
	Direction   LineDirection   `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
}

// Entry is a balanced double-entry ledger record.
type Entry struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Date      time.Time   `json:"date"`
	Memo      string      `json:"memo"`
	Status    EntryStatus `json:"status"`
	Source    EntrySource `json:"source"`
	Lines     []Line      `json:"lines"`
	CreatedAt time.Time   `json:"createdAt"`
}

// DebitTotal is the entry's amount by convention: the sum of its debit lines.
func (e *Entry) DebitTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		if l.Direction == Debit {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// CreditTotal sums the entry's credit lines.
func (e *Entry) CreditTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		if l.Direction == Credit {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// Balanced re-verifies the double-entry invariant. Upstream posting is
// supposed to guarantee it; unbalanced entries are skipped as candidates
// rather than rejected loudly.
func (e *Entry) Balanced() bool {
	return e.DebitTotal().Equal(e.CreditTotal())
}

// AccountTypes returns the set of account types the entry's lines touch.
func (e *Entry) AccountTypes() map[AccountType]bool {
	types := make(map[AccountType]bool, len(e.Lines))
	for _, l := range e.Lines {
		types[l.AccountType] = true
	}
	return types
}

// entryStatusTransitions is the set of legal entry status moves the
// engine performs. DRAFT->POSTED belongs to the upstream posting workflow.
var entryStatusTransitions = map[EntryStatus][]EntryStatus{
	EntryDraft:      {EntryPosted, EntryVoid},
	EntryPosted:     {EntryReconciled, EntryVoid},
	EntryReconciled: {EntryPosted, EntryVoid},
	EntryVoid:       {},
}

// CanTransition reports whether an entry may move from s to target.
func (s EntryStatus) CanTransition(target EntryStatus) bool {
	if s == target {
		return true
	}
	for _, next := range entryStatusTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}
