package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matching"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestOrchestrator(t *testing.T, eventBus domain.EventBus) (*matching.Orchestrator, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultMatchingConfig()
	detector := matching.NewKeywordDetector(cfg.TransferKeywords)
	return matching.NewOrchestrator(repo, eventBus, detector, cfg), repo
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	orchestrator, _ := newTestOrchestrator(t, eventBus)
	worker := NewWorker(eventBus, orchestrator)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			UserIDs: []string{"user-001"},
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRunRequest", func(t *testing.T) {
		w := NewWorker(eventBus, orchestrator)

		cfg := Config{
			UserIDs: []string{"user-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track completion results
		var completionReceived atomic.Bool
		var completionPayload []byte

		eventBus.Subscribe(context.Background(), "user-test", domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			completionPayload = msg.Payload
			completionReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		req := RunRequest{
			UserID: "user-test",
		}
		payload, _ := json.Marshal(req)
		err := eventBus.Publish(context.Background(), "user-test", domain.TopicRunRequested, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(200 * time.Millisecond)

		if !completionReceived.Load() {
			t.Fatal("expected run completion to be published")
		}

		var completed RunCompleted
		if err := json.Unmarshal(completionPayload, &completed); err != nil {
			t.Fatalf("failed to parse completion: %v", err)
		}

		if completed.UserID != "user-test" {
			t.Errorf("expected userID 'user-test', got '%s'", completed.UserID)
		}
		if completed.Error != "" {
			t.Errorf("expected clean run, got error '%s'", completed.Error)
		}
		if completed.Stats.Transactions != 0 {
			t.Errorf("expected 0 transactions for empty repository, got %d", completed.Stats.Transactions)
		}
	})

	t.Run("MatchesPendingTransaction", func(t *testing.T) {
		isolatedBus := bus.NewChannelBus(100)
		defer isolatedBus.Close()

		orch, repo := newTestOrchestrator(t, isolatedBus)
		w := NewWorker(isolatedBus, orch)

		userID := "user-run"
		ctx := context.Background()

		seedMatchableTransaction(t, ctx, repo, userID)

		w.Start(Config{UserIDs: []string{userID}})
		defer w.Stop()

		var completed atomic.Pointer[RunCompleted]
		isolatedBus.Subscribe(ctx, userID, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			var rc RunCompleted
			if err := json.Unmarshal(msg.Payload, &rc); err != nil {
				return err
			}
			completed.Store(&rc)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(RunRequest{UserID: userID})
		isolatedBus.Publish(ctx, userID, domain.TopicRunRequested, payload)

		deadline := time.Now().Add(2 * time.Second)
		for completed.Load() == nil && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		rc := completed.Load()
		if rc == nil {
			t.Fatal("run did not complete in time")
		}
		if rc.Stats.Transactions != 1 {
			t.Errorf("expected 1 transaction processed, got %d", rc.Stats.Transactions)
		}
		if rc.Stats.AutoAccepted != 1 {
			t.Errorf("expected 1 auto-accepted match, got %d", rc.Stats.AutoAccepted)
		}
	})

	t.Run("GlobalWorkerProcessesUserRequests", func(t *testing.T) {
		isolatedBus := bus.NewChannelBus(100)
		defer isolatedBus.Close()

		orch, repo := newTestOrchestrator(t, isolatedBus)
		w := NewWorker(isolatedBus, orch)

		userID := "user-async"
		ctx := context.Background()

		seedMatchableTransaction(t, ctx, repo, userID)

		// No user IDs configured: the worker falls back to the global
		// subscription and must still see user-scoped publishes.
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		var completed atomic.Pointer[RunCompleted]
		isolatedBus.Subscribe(ctx, userID, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			var rc RunCompleted
			if err := json.Unmarshal(msg.Payload, &rc); err != nil {
				return err
			}
			completed.Store(&rc)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(RunRequest{UserID: userID})
		if err := isolatedBus.Publish(ctx, userID, domain.TopicRunRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for completed.Load() == nil && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		rc := completed.Load()
		if rc == nil {
			t.Fatal("global worker never processed the queued run")
		}
		if rc.UserID != userID {
			t.Errorf("expected completion for '%s', got '%s'", userID, rc.UserID)
		}
		if rc.Stats.AutoAccepted != 1 {
			t.Errorf("expected 1 auto-accepted match, got %d", rc.Stats.AutoAccepted)
		}
	})

	t.Run("MultiUser", func(t *testing.T) {
		w := NewWorker(eventBus, orchestrator)

		cfg := Config{
			UserIDs: []string{"user-a", "user-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 users, got %d", stats.SubscriptionCount)
		}
	})
}

// seedMatchableTransaction creates one pending transaction and one
// posted entry that score well above the auto-accept threshold.
func seedMatchableTransaction(t *testing.T, ctx context.Context, repo domain.Repository, userID string) {
	t.Helper()

	bank := &domain.Account{ID: "acc-bank", UserID: userID, Name: "Checking", Type: domain.AccountAsset}
	expense := &domain.Account{ID: "acc-exp", UserID: userID, Name: "Rent", Type: domain.AccountExpense}
	for _, acc := range []*domain.Account{bank, expense} {
		if err := repo.SaveAccount(ctx, userID, acc); err != nil {
			t.Fatalf("failed to save account: %v", err)
		}
	}

	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("1250.00")

	statement := &domain.Statement{ID: "stmt-1", UserID: userID, AccountID: bank.ID, Source: "csv", ImportedAt: date}
	if err := repo.SaveStatement(ctx, userID, statement); err != nil {
		t.Fatalf("failed to save statement: %v", err)
	}

	txn := &domain.Transaction{
		ID:          "txn-1",
		UserID:      userID,
		StatementID: statement.ID,
		Date:        date,
		Amount:      amount,
		Direction:   domain.DirectionOut,
		Description: "ACME PROPERTY RENT MARCH",
		Status:      domain.TxnPending,
	}
	if err := repo.SaveTransaction(ctx, userID, txn); err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}

	entry := &domain.Entry{
		ID:     "entry-1",
		UserID: userID,
		Date:   date,
		Memo:   "ACME PROPERTY RENT MARCH",
		Status: domain.EntryPosted,
		Source: domain.SourceUser,
		Lines: []domain.Line{
			{ID: "line-1", EntryID: "entry-1", AccountID: expense.ID, AccountType: domain.AccountExpense, Direction: domain.Debit, Amount: amount},
			{ID: "line-2", EntryID: "entry-1", AccountID: bank.ID, AccountType: domain.AccountAsset, Direction: domain.Credit, Amount: amount},
		},
	}
	if err := repo.CreateEntry(ctx, userID, entry); err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
}

func TestRunRequestParsing(t *testing.T) {
	req := RunRequest{
		UserID:      "user-123",
		StatementID: "stmt-456",
		Limit:       25,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed RunRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.UserID != req.UserID {
		t.Errorf("expected UserID '%s', got '%s'", req.UserID, parsed.UserID)
	}
	if parsed.StatementID != req.StatementID {
		t.Errorf("expected StatementID '%s', got '%s'", req.StatementID, parsed.StatementID)
	}
	if parsed.Limit != req.Limit {
		t.Errorf("expected Limit %d, got %d", req.Limit, parsed.Limit)
	}
}
