// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxnDirection is the money-flow direction of a bank transaction.
type TxnDirection string

const (
	DirectionIn  TxnDirection = "IN"
	DirectionOut TxnDirection = "OUT"
)

// TxnStatus is the reconciliation state of a bank transaction.
type TxnStatus string

const (
	TxnPending   TxnStatus = "PENDING"
	TxnMatched   TxnStatus = "MATCHED"
	TxnUnmatched TxnStatus = "UNMATCHED"
)

// Transaction represents a parsed bank-statement transaction.
// Immutable once ingested; only Status is mutated by the matching engine.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	StatementID string          `json:"statementId"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"` // always non-negative; sign carried by Direction
	Direction   TxnDirection    `json:"direction"`
	Description string          `json:"description"`
	Status      TxnStatus       `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Statement is an imported bank statement. AccountID links it to the
// ledger account it was pulled from, when the user has set one up.
type Statement struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	AccountID  string    `json:"accountId,omitempty"` // empty when no ledger account is linked
	Source     string    `json:"source"`
	ImportedAt time.Time `json:"importedAt"`
}

// txnStatusTransitions is the set of legal transaction status moves.
var txnStatusTransitions = map[TxnStatus][]TxnStatus{
	TxnPending:   {TxnMatched, TxnUnmatched},
	TxnMatched:   {TxnUnmatched, TxnPending},
	TxnUnmatched: {TxnPending, TxnMatched},
}

// CanTransition reports whether a transaction may move from s to target.
func (s TxnStatus) CanTransition(target TxnStatus) bool {
	if s == target {
		return true
	}
	for _, next := range txnStatusTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}
