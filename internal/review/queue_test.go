package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const testUser = "user-001"

type fixture struct {
	repo  domain.Repository
	queue *Queue

	bank    *domain.Account
	expense *domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "review.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })

	f := &fixture{
		repo:  repo,
		queue: NewQueue(repo, busImpl, domain.DefaultMatchingConfig()),
	}

	ctx := context.Background()
	f.bank = &domain.Account{ID: "acc-bank", UserID: testUser, Name: "Checking", Type: domain.AccountAsset}
	f.expense = &domain.Account{ID: "acc-exp", UserID: testUser, Name: "Rent", Type: domain.AccountExpense}
	for _, acc := range []*domain.Account{f.bank, f.expense} {
		if err := repo.SaveAccount(ctx, testUser, acc); err != nil {
			t.Fatalf("failed to save account: %v", err)
		}
	}
	err = repo.SaveStatement(ctx, testUser, &domain.Statement{
		ID: "stmt-1", UserID: testUser, AccountID: f.bank.ID,
		Source: "csv", ImportedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to save statement: %v", err)
	}
	return f
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (f *fixture) seedTxn(t *testing.T, id, amount string, status domain.TxnStatus) {
	t.Helper()
	date := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
	err := f.repo.SaveTransaction(context.Background(), testUser, &domain.Transaction{
		ID: id, UserID: testUser, StatementID: "stmt-1", Date: date,
		Amount: dec(amount), Direction: domain.DirectionOut,
		Description: "CITY POWER UTILITIES", Status: status, CreatedAt: date,
	})
	if err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}
}

func (f *fixture) seedEntry(t *testing.T, id, amount string) {
	t.Helper()
	date := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
	err := f.repo.CreateEntry(context.Background(), testUser, &domain.Entry{
		ID: id, UserID: testUser, Date: date, Memo: "utilities",
		Status: domain.EntryPosted, Source: domain.SourceUser,
		Lines: []domain.Line{
			{ID: id + "-l1", EntryID: id, AccountID: f.expense.ID, AccountType: f.expense.Type, Direction: domain.Debit, Amount: dec(amount)},
			{ID: id + "-l2", EntryID: id, AccountID: f.bank.ID, AccountType: f.bank.Type, Direction: domain.Credit, Amount: dec(amount)},
		},
	})
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
}

func (f *fixture) seedMatch(t *testing.T, id, txnID string, entryIDs []string, score int, status domain.MatchStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := f.repo.CreateMatch(context.Background(), testUser, &domain.Match{
		ID: id, UserID: testUser, TxnID: txnID, EntryIDs: entryIDs,
		Score: score, Breakdown: domain.Breakdown{Amount: 90, Date: 70, Description: 60, Business: 70},
		Status: status, Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to create match: %v", err)
	}
}

func TestAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("PendingMatch", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "88.40")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchPendingReview)

		m, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{})
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if m.Status != domain.MatchAccepted {
			t.Errorf("Status = %s, want ACCEPTED", m.Status)
		}
		if m.Version != 2 {
			t.Errorf("Version = %d, want 2", m.Version)
		}

		txn, _ := f.repo.GetTransaction(ctx, testUser, "txn-1")
		if txn.Status != domain.TxnMatched {
			t.Errorf("transaction status = %s, want MATCHED", txn.Status)
		}
		entry, _ := f.repo.GetEntry(ctx, testUser, "entry-1")
		if entry.Status != domain.EntryReconciled {
			t.Errorf("entry status = %s, want RECONCILED", entry.Status)
		}
	})

	t.Run("AcceptTwiceIsNoop", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "88.40")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchPendingReview)

		if _, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{}); err != nil {
			t.Fatalf("first Accept() error = %v", err)
		}
		m, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{})
		if err != nil {
			t.Fatalf("second Accept() error = %v", err)
		}
		if m.Status != domain.MatchAccepted || m.Version != 2 {
			t.Errorf("second accept changed the match: %+v", m)
		}
	})

	t.Run("AmountMismatch", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "150.00")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 65, domain.MatchPendingReview)

		if _, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{}); !errors.Is(err, ErrAmountMismatch) {
			t.Fatalf("error = %v, want ErrAmountMismatch", err)
		}

		// The operator can override after checking out of band.
		m, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{SkipAmountValidation: true})
		if err != nil {
			t.Fatalf("Accept(skip) error = %v", err)
		}
		if m.Status != domain.MatchAccepted {
			t.Errorf("Status = %s, want ACCEPTED", m.Status)
		}
	})

	t.Run("CombinedEntriesReconcile", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "150.00", domain.TxnPending)
		f.seedEntry(t, "entry-1", "90.00")
		f.seedEntry(t, "entry-2", "60.00")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1", "entry-2"}, 80, domain.MatchPendingReview)

		m, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{})
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if m.Status != domain.MatchAccepted {
			t.Errorf("Status = %s, want ACCEPTED", m.Status)
		}
	})

	t.Run("RejectedMatchConflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "88.40")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchRejected)

		if _, err := f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.queue.Accept(ctx, testUser, "missing", AcceptOptions{}); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()

	t.Run("PendingMatch", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "88.40")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchPendingReview)

		m, err := f.queue.Reject(ctx, testUser, "match-1")
		if err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
		if m.Status != domain.MatchRejected {
			t.Errorf("Status = %s, want REJECTED", m.Status)
		}

		// The transaction is released for another pass or manual entry.
		txn, _ := f.repo.GetTransaction(ctx, testUser, "txn-1")
		if txn.Status != domain.TxnUnmatched {
			t.Errorf("transaction status = %s, want UNMATCHED", txn.Status)
		}
	})

	t.Run("AcceptedMatchConflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
		f.seedEntry(t, "entry-1", "88.40")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 95, domain.MatchAutoAccepted)

		if _, err := f.queue.Reject(ctx, testUser, "match-1"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestBatchAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
	f.seedEntry(t, "entry-1", "88.40")
	f.seedMatch(t, "match-high", "txn-1", []string{"entry-1"}, 82, domain.MatchPendingReview)

	f.seedTxn(t, "txn-2", "40.00", domain.TxnPending)
	f.seedEntry(t, "entry-2", "40.00")
	f.seedMatch(t, "match-low", "txn-2", []string{"entry-2"}, 61, domain.MatchPendingReview)

	accepted, err := f.queue.BatchAccept(ctx, testUser, []string{"match-high", "match-low", "match-missing"}, 70)
	if err == nil {
		t.Fatal("expected joined error for the missing match")
	}
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("error = %v, want to wrap ErrNotFound", err)
	}
	if len(accepted) != 1 || accepted[0].ID != "match-high" {
		t.Fatalf("accepted = %+v, want only match-high", accepted)
	}

	// The low-score match was skipped, not failed.
	low, _ := f.repo.GetMatch(ctx, testUser, "match-low")
	if low.Status != domain.MatchPendingReview {
		t.Errorf("low score match status = %s, want PENDING_REVIEW", low.Status)
	}
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.seedTxn(t, "txn-1", "88.40", domain.TxnPending)
	f.seedEntry(t, "entry-1", "88.40")
	f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchPendingReview)
	f.seedMatch(t, "match-2", "txn-1", []string{"entry-1"}, 95, domain.MatchAutoAccepted)

	pending, err := f.queue.ListPending(ctx, testUser, 10, 0)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "match-1" {
		t.Fatalf("pending = %+v, want only match-1", pending)
	}
}

func TestCreateEntryFromUnmatched(t *testing.T) {
	ctx := context.Background()

	t.Run("LinkedAccount", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "77.70", domain.TxnUnmatched)

		entry, err := f.queue.CreateEntryFromUnmatched(ctx, testUser, "txn-1")
		if err != nil {
			t.Fatalf("CreateEntryFromUnmatched() error = %v", err)
		}
		if entry.Status != domain.EntryDraft {
			t.Errorf("entry status = %s, want DRAFT", entry.Status)
		}
		if entry.Source != domain.SourceSystem {
			t.Errorf("entry source = %s, want system", entry.Source)
		}
		if len(entry.Lines) != 2 {
			t.Fatalf("got %d lines, want 2", len(entry.Lines))
		}
		if !entry.Balanced() {
			t.Error("draft entry should be balanced")
		}

		// Outgoing: the expense category is debited, the bank credited.
		if entry.Lines[0].AccountType != domain.AccountExpense {
			t.Errorf("debit account type = %s, want EXPENSE", entry.Lines[0].AccountType)
		}
		if entry.Lines[1].AccountID != f.bank.ID {
			t.Errorf("credit account = %s, want the linked bank account", entry.Lines[1].AccountID)
		}

		txn, _ := f.repo.GetTransaction(ctx, testUser, "txn-1")
		if txn.Status != domain.TxnPending {
			t.Errorf("transaction status = %s, want PENDING", txn.Status)
		}
	})

	t.Run("NoLinkedAccount", func(t *testing.T) {
		f := newFixture(t)
		err := f.repo.SaveStatement(ctx, testUser, &domain.Statement{
			ID: "stmt-bare", UserID: testUser, Source: "csv", ImportedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to save statement: %v", err)
		}
		date := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
		err = f.repo.SaveTransaction(ctx, testUser, &domain.Transaction{
			ID: "txn-bare", UserID: testUser, StatementID: "stmt-bare", Date: date,
			Amount: dec("20.00"), Direction: domain.DirectionIn,
			Description: "REFUND", Status: domain.TxnUnmatched, CreatedAt: date,
		})
		if err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		entry, err := f.queue.CreateEntryFromUnmatched(ctx, testUser, "txn-bare")
		if err != nil {
			t.Fatalf("CreateEntryFromUnmatched() error = %v", err)
		}
		// Incoming with no linked account: Uncategorized asset debited,
		// Uncategorized Income credited.
		if entry.Lines[0].AccountType != domain.AccountAsset {
			t.Errorf("debit account type = %s, want ASSET", entry.Lines[0].AccountType)
		}
		if entry.Lines[1].AccountType != domain.AccountIncome {
			t.Errorf("credit account type = %s, want INCOME", entry.Lines[1].AccountType)
		}
	})

	t.Run("StatementOwnedByOtherUser", func(t *testing.T) {
		f := newFixture(t)
		err := f.repo.SaveStatement(ctx, "user-002", &domain.Statement{
			ID: "stmt-foreign", UserID: "user-002", Source: "csv", ImportedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to save statement: %v", err)
		}
		date := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
		err = f.repo.SaveTransaction(ctx, testUser, &domain.Transaction{
			ID: "txn-x", UserID: testUser, StatementID: "stmt-foreign", Date: date,
			Amount: dec("20.00"), Direction: domain.DirectionOut,
			Description: "X", Status: domain.TxnUnmatched, CreatedAt: date,
		})
		if err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		if _, err := f.queue.CreateEntryFromUnmatched(ctx, testUser, "txn-x"); !errors.Is(err, ErrNotOwned) {
			t.Errorf("error = %v, want ErrNotOwned", err)
		}
	})
}

// entryStatusFailRepo wraps a real repository and fails every entry
// status update, including inside transactions it opens.
type entryStatusFailRepo struct {
	domain.Repository
}

var errEntryStatusDown = errors.New("entry status update unavailable")

func (f *entryStatusFailRepo) RunInTx(ctx context.Context, fn func(domain.Repository) error) error {
	return f.Repository.RunInTx(ctx, func(r domain.Repository) error {
		return fn(&entryStatusFailRepo{Repository: r})
	})
}

func (f *entryStatusFailRepo) UpdateEntryStatus(ctx context.Context, userID, entryID string, status domain.EntryStatus) error {
	return errEntryStatusDown
}

func TestAcceptAtomic(t *testing.T) {
	ctx := context.Background()

	t.Run("EntryFailureRollsBackMatchAndTransaction", func(t *testing.T) {
		f := newFixture(t)
		f.seedTxn(t, "txn-1", "150.00", domain.TxnPending)
		f.seedEntry(t, "entry-1", "150.00")
		f.seedMatch(t, "match-1", "txn-1", []string{"entry-1"}, 72, domain.MatchPendingReview)

		broken := NewQueue(&entryStatusFailRepo{Repository: f.repo}, nil, domain.DefaultMatchingConfig())
		if _, err := broken.Accept(ctx, testUser, "match-1", AcceptOptions{}); !errors.Is(err, errEntryStatusDown) {
			t.Fatalf("error = %v, want entry status failure", err)
		}

		// The failed entry write must take the earlier match and
		// transaction writes down with it.
		m, err := f.repo.GetMatch(ctx, testUser, "match-1")
		if err != nil {
			t.Fatalf("failed to load match: %v", err)
		}
		if m.Status != domain.MatchPendingReview {
			t.Errorf("match status = %s, want PENDING_REVIEW", m.Status)
		}
		if m.Version != 1 {
			t.Errorf("match version = %d, want 1", m.Version)
		}

		txn, err := f.repo.GetTransaction(ctx, testUser, "txn-1")
		if err != nil {
			t.Fatalf("failed to load transaction: %v", err)
		}
		if txn.Status != domain.TxnPending {
			t.Errorf("transaction status = %s, want PENDING", txn.Status)
		}

		// A clean queue over the intact repository can still accept.
		m, err = f.queue.Accept(ctx, testUser, "match-1", AcceptOptions{})
		if err != nil {
			t.Fatalf("Accept() after rollback error = %v", err)
		}
		if m.Status != domain.MatchAccepted {
			t.Errorf("match status = %s, want ACCEPTED", m.Status)
		}
	})
}
