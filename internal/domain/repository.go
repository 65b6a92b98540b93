package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// HistoricalTxn is a previously reconciled transaction surfaced by a
// history lookup: enough to compare amounts against the current one.
type HistoricalTxn struct {
	TxnID       string
	Amount      decimal.Decimal
	Description string
	Date        time.Time
}

// MatchFilter narrows match listings.
type MatchFilter struct {
	Status MatchStatus
	Limit  int
	Offset int
}

// Repository defines the interface for data persistence.
// All methods require userID for strict per-user isolation.
type Repository interface {
	// Bank transaction operations
	GetTransaction(ctx context.Context, userID string, txnID string) (*Transaction, error)
	ListPendingTransactions(ctx context.Context, userID string, statementID string, limit int) ([]*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, userID string, txnID string, status TxnStatus) error
	SaveTransaction(ctx context.Context, userID string, txn *Transaction) error

	// Statement operations
	GetStatement(ctx context.Context, userID string, statementID string) (*Statement, error)
	SaveStatement(ctx context.Context, userID string, st *Statement) error

	// Account operations
	GetAccount(ctx context.Context, userID string, accountID string) (*Account, error)
	GetOrCreateSystemAccount(ctx context.Context, userID string, name string, accountType AccountType) (*Account, error)
	SaveAccount(ctx context.Context, userID string, acc *Account) error

	// Ledger entry operations
	GetEntry(ctx context.Context, userID string, entryID string) (*Entry, error)
	ListEntriesInWindow(ctx context.Context, userID string, from, to time.Time, statuses []EntryStatus) ([]*Entry, error)
	CreateEntry(ctx context.Context, userID string, entry *Entry) error
	UpdateEntryStatus(ctx context.Context, userID string, entryID string, status EntryStatus) error

	// Match operations. Matches are never deleted.
	CreateMatch(ctx context.Context, userID string, m *Match) error
	GetMatch(ctx context.Context, userID string, matchID string) (*Match, error)
	UpdateMatch(ctx context.Context, userID string, m *Match) error
	GetActiveMatchByTxn(ctx context.Context, userID string, txnID string) (*Match, error)
	ListMatches(ctx context.Context, userID string, filter MatchFilter) ([]*Match, error)

	// History lookup: recent transactions behind ACCEPTED/AUTO_ACCEPTED
	// matches whose description contains the token.
	ListReconciledHistory(ctx context.Context, userID string, token string, limit int) ([]HistoricalTxn, error)

	// Transfer bookkeeping
	ListProcessingEntries(ctx context.Context, userID string) ([]*Entry, error)
	CreateTransferPair(ctx context.Context, userID string, pair *TransferPair) error
	ListTransferPairs(ctx context.Context, userID string) ([]*TransferPair, error)
	ProcessingBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// RunInTx executes fn inside one database transaction. The
	// Repository passed to fn is bound to that transaction; the commit
	// error, if any, is returned to the caller untouched.
	RunInTx(ctx context.Context, fn func(Repository) error) error

	// AcquireRunLock serializes matching runs per user at the storage
	// boundary. Held until the surrounding transaction ends.
	AcquireRunLock(ctx context.Context, userID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
