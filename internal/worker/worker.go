// Package worker runs reconciliation asynchronously off the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matching"
)

// Worker consumes run requests from the EventBus and drives the
// matching orchestrator.
type Worker struct {
	bus          domain.EventBus
	orchestrator *matching.Orchestrator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// UserIDs is the list of users to process (empty = all via the
	// global subscription)
	UserIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, orchestrator *matching.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		orchestrator: orchestrator,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing run requests for the given users.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.UserIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, userID := range cfg.UserIDs {
		if err := w.startUserWorker(userID); err != nil {
			slog.Error("failed to start worker for user",
				"user_id", userID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"user_count", len(cfg.UserIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes run requests from
// every user. The bus resolves the scope: the channel bus fans user
// publishes into the global subscription, NATS uses a wildcard subject.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.ScopeAll, domain.TopicRunRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startUserWorker starts a worker for a specific user.
func (w *Worker) startUserWorker(userID string) error {
	sub, err := w.bus.Subscribe(w.ctx, userID, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRun(ctx, userID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("user worker started",
		"user_id", userID,
		"topic", domain.TopicRunRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRun(ctx, msg.UserID, msg)
}

// RunRequest is the message payload asking for a matching run.
type RunRequest struct {
	UserID      string `json:"userId"`
	StatementID string `json:"statementId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// RunCompleted is published after a run finishes.
type RunCompleted struct {
	UserID      string            `json:"userId"`
	StatementID string            `json:"statementId,omitempty"`
	Stats       matching.RunStats `json:"stats"`
	DurationMS  int64             `json:"durationMs"`
	Error       string            `json:"error,omitempty"`
}

// processRun executes one matching run for a request message.
func (w *Worker) processRun(ctx context.Context, userID string, msg *domain.Message) error {
	start := time.Now()

	var req RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message user if provided
	if req.UserID != "" {
		userID = req.UserID
	}

	slog.Debug("processing run request",
		"user_id", userID,
		"statement_id", req.StatementID,
	)

	_, stats, err := w.orchestrator.Run(ctx, userID, matching.RunOptions{
		StatementID: req.StatementID,
		Limit:       req.Limit,
	})

	completed := RunCompleted{
		UserID:      userID,
		StatementID: req.StatementID,
		Stats:       stats,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		completed.Error = err.Error()
		slog.Error("matching run failed",
			"user_id", userID,
			"error", err,
		)
	}

	payload, _ := json.Marshal(completed)
	if pubErr := w.bus.Publish(ctx, userID, domain.TopicRunCompleted, payload); pubErr != nil {
		slog.Error("failed to publish run completion",
			"user_id", userID,
			"error", pubErr,
		)
	}

	return err
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
