package domain

import (
	"time"
)

// MatchStatus is the lifecycle state of a reconciliation match.
type MatchStatus string

const (
	MatchPendingReview MatchStatus = "PENDING_REVIEW"
	MatchAutoAccepted  MatchStatus = "AUTO_ACCEPTED"
	MatchAccepted      MatchStatus = "ACCEPTED"
	MatchRejected      MatchStatus = "REJECTED"
	MatchSuperseded    MatchStatus = "SUPERSEDED"
)

// Active reports whether the match still represents the engine's current
// opinion about its transaction. At most one active match exists per
// transaction at any time.
func (s MatchStatus) Active() bool {
	return s != MatchSuperseded
}

// Decided reports whether a human or the auto-accept threshold has
// settled the match.
func (s MatchStatus) Decided() bool {
	return s == MatchAccepted || s == MatchAutoAccepted || s == MatchRejected
}

// matchStatusTransitions is the legal match lifecycle. Matches are never
// deleted; superseding is the only way out of a decided state.
var matchStatusTransitions = map[MatchStatus][]MatchStatus{
	MatchPendingReview: {MatchAccepted, MatchRejected, MatchSuperseded},
	MatchAutoAccepted:  {MatchSuperseded},
	MatchAccepted:      {MatchSuperseded},
	MatchRejected:      {MatchSuperseded},
	MatchSuperseded:    {},
}

// CanTransition reports whether a match may move from s to target.
func (s MatchStatus) CanTransition(target MatchStatus) bool {
	for _, next := range matchStatusTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// BreakdownFlags carries the optional scoring annotations that are only
// present for some match shapes.
type BreakdownFlags struct {
	// MultiEntry is the number of combined entries when the match spans
	// more than one ledger entry (2 or 3).
	MultiEntry int `json:"multiEntry,omitempty"`

	// ManyToOneBonus is set to 10 when the match is one leg of a batch
	// payment group collectively matched to a single entry.
	ManyToOneBonus int `json:"manyToOneBonus,omitempty"`
}

// Breakdown holds the per-dimension scores behind a match's total.
// Fixed fields rather than an open map so scoring stays composable.
type Breakdown struct {
	Amount      int            `json:"amount"`
	Date        int            `json:"date"`
	Description int            `json:"description"`
	Business    int            `json:"business"`
	History     int            `json:"history"`
	Flags       BreakdownFlags `json:"flags,omitempty"`
}

// Match is the engine's record of a proposed or decided link between one
// bank transaction and one to three ledger entries.
type Match struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	TxnID          string      `json:"txnId"`
	EntryIDs       []string    `json:"entryIds"` // ordered, 1..3
	Score          int         `json:"score"`    // 0..100
	Breakdown      Breakdown   `json:"breakdown"`
	Status         MatchStatus `json:"status"`
	Version        int         `json:"version"`
	SupersededByID string      `json:"supersededById,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// SameEntries reports whether the match links exactly the given entry
// set, order-insensitively. Used for idempotent re-matching.
func (m *Match) SameEntries(entryIDs []string) bool {
	if len(m.EntryIDs) != len(entryIDs) {
		return false
	}
	seen := make(map[string]bool, len(m.EntryIDs))
	for _, id := range m.EntryIDs {
		seen[id] = true
	}
	for _, id := range entryIDs {
		if !seen[id] {
			return false
		}
	}
	return true
}

// TransferPair links the two Processing-account legs of one inter-account
// transfer after auto-pairing.
type TransferPair struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	OutEntryID string    `json:"outEntryId"`
	InEntryID  string    `json:"inEntryId"`
	Score      int       `json:"score"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UnpairedTransfer is a Processing-account leg with no counterpart yet.
// A non-zero Processing balance made of these is a signal, not an error.
type UnpairedTransfer struct {
	EntryID   string       `json:"entryId"`
	Direction TxnDirection `json:"direction"`
	Amount    string       `json:"amount"`
	Date      time.Time    `json:"date"`
	Memo      string       `json:"memo"`
}
