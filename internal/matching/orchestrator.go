package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var tracer = otel.Tracer("kestrel-matching")

// RunOptions scopes a matching run.
type RunOptions struct {
	// StatementID limits the run to one statement's transactions.
	StatementID string

	// Limit bounds how many pending transactions the run touches.
	Limit int
}

// RunStats summarizes one matching run.
type RunStats struct {
	Transactions int `json:"transactions"`
	Transfers    int `json:"transfers"`
	AutoAccepted int `json:"autoAccepted"`
	Pending      int `json:"pending"`
	Unmatched    int `json:"unmatched"`
	Paired       int `json:"paired"`
}

// MatchEvent is the payload published for match lifecycle topics.
type MatchEvent struct {
	MatchID string `json:"matchId"`
	TxnID   string `json:"txnId"`
	Score   int    `json:"score"`
	Status  string `json:"status"`
}

// Orchestrator drives the three-phase matching pipeline: transfer
// detection, normal plus many-to-one matching, transfer auto-pairing.
type Orchestrator struct {
	repo     domain.Repository
	bus      domain.EventBus
	detector TransferDetector
	cfg      domain.MatchingConfig
}

// NewOrchestrator wires the matching pipeline.
func NewOrchestrator(repo domain.Repository, bus domain.EventBus, detector TransferDetector, cfg domain.MatchingConfig) *Orchestrator {
	return &Orchestrator{repo: repo, bus: bus, detector: detector, cfg: cfg}
}

type event struct {
	topic   string
	payload []byte
}

// Run matches all pending transactions for the user inside one database
// transaction. The per-user run lock serializes concurrent runs; a
// commit failure is returned to the caller untouched.
func (o *Orchestrator) Run(ctx context.Context, userID string, opts RunOptions) ([]*domain.Match, RunStats, error) {
	ctx, span := tracer.Start(ctx, "matching.run",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("statement.id", opts.StatementID),
		),
	)
	defer span.End()

	var (
		matches []*domain.Match
		events  []event
		stats   RunStats
	)

	err := o.repo.RunInTx(ctx, func(r domain.Repository) error {
		if err := r.AcquireRunLock(ctx, userID); err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}

		run := &runState{
			repo:     r,
			cfg:      o.cfg,
			detector: o.detector,
			userID:   userID,
			opts:     opts,
			claimed:  make(map[string]bool),
		}
		run.history = scoring.NewHistoryScorer(r, userID)
		run.scorer = NewScorer(o.cfg, run.history)

		if err := run.execute(ctx); err != nil {
			return err
		}

		matches, events, stats = run.matches, run.events, run.stats
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, RunStats{}, err
	}

	// Events go out only after the transaction committed.
	o.publish(ctx, userID, events)

	slog.Info("matching run completed",
		"user_id", userID,
		"transactions", stats.Transactions,
		"transfers", stats.Transfers,
		"auto_accepted", stats.AutoAccepted,
		"pending_review", stats.Pending,
		"unmatched", stats.Unmatched,
		"paired", stats.Paired,
	)

	return matches, stats, nil
}

func (o *Orchestrator) publish(ctx context.Context, userID string, events []event) {
	if o.bus == nil {
		return
	}
	for _, ev := range events {
		if err := o.bus.Publish(ctx, userID, ev.topic, ev.payload); err != nil {
			slog.Warn("failed to publish event",
				"topic", ev.topic,
				"user_id", userID,
				"error", err,
			)
		}
	}
}

// runState holds everything scoped to one matching run. The history
// cache inside scorer lives and dies with it and never crosses users.
type runState struct {
	repo     domain.Repository
	cfg      domain.MatchingConfig
	detector TransferDetector
	userID   string
	opts     RunOptions

	scorer  *Scorer
	history *scoring.HistoryScorer

	matches []*domain.Match
	events  []event
	stats   RunStats

	// claimed tracks ledger entries booked by this run so a later
	// transaction cannot double-book them.
	claimed map[string]bool
}

func (run *runState) execute(ctx context.Context) error {
	txns, err := run.repo.ListPendingTransactions(ctx, run.userID, run.opts.StatementID, run.opts.Limit)
	if err != nil {
		return fmt.Errorf("failed to list pending transactions: %w", err)
	}
	run.stats.Transactions = len(txns)

	remaining := run.transferPhase(ctx, txns)

	if err := run.matchingPhase(ctx, remaining); err != nil {
		return err
	}

	run.pairingPhase(ctx)
	return nil
}

// transferPhase claims transfer-like transactions and books them through
// the Processing suspense account. Failures here are best-effort: the
// transaction falls through to normal matching.
func (run *runState) transferPhase(ctx context.Context, txns []*domain.Transaction) []*domain.Transaction {
	remaining := make([]*domain.Transaction, 0, len(txns))

	for _, txn := range txns {
		if run.detector == nil || !run.detector.LooksLikeTransfer(txn) {
			remaining = append(remaining, txn)
			continue
		}

		st, err := run.repo.GetStatement(ctx, run.userID, txn.StatementID)
		if err != nil || st.AccountID == "" {
			slog.Warn("transfer transaction has no linked account, falling through to normal matching",
				"user_id", run.userID,
				"txn_id", txn.ID,
			)
			remaining = append(remaining, txn)
			continue
		}

		if err := run.bookTransfer(ctx, txn, st); err != nil {
			slog.Warn("transfer booking failed, falling through to normal matching",
				"user_id", run.userID,
				"txn_id", txn.ID,
				"error", err,
			)
			remaining = append(remaining, txn)
			continue
		}
		run.stats.Transfers++
	}

	return remaining
}

func (run *runState) bookTransfer(ctx context.Context, txn *domain.Transaction, st *domain.Statement) error {
	processing, err := run.repo.GetOrCreateSystemAccount(ctx, run.userID, domain.ProcessingAccountName, domain.AccountAsset)
	if err != nil {
		return err
	}
	linked, err := run.repo.GetAccount(ctx, run.userID, st.AccountID)
	if err != nil {
		return err
	}

	entry := buildTransferEntry(txn, processing, linked)
	if err := run.repo.CreateEntry(ctx, run.userID, entry); err != nil {
		return err
	}

	cand := &Candidate{
		Entries:  []*domain.Entry{entry},
		EntryIDs: []string{entry.ID},
		Score:    100,
		Breakdown: domain.Breakdown{
			Amount: 100, Date: 100, Description: 100, Business: 100,
		},
	}

	created, err := run.persistMatch(ctx, txn, cand, domain.MatchAutoAccepted)
	if err != nil {
		return err
	}
	if created == nil {
		return nil // identical active match, idempotent no-op
	}

	if err := run.repo.UpdateTransactionStatus(ctx, run.userID, txn.ID, domain.TxnMatched); err != nil {
		return err
	}
	if err := run.repo.UpdateEntryStatus(ctx, run.userID, entry.ID, domain.EntryReconciled); err != nil {
		return err
	}
	run.claimed[entry.ID] = true
	run.stats.AutoAccepted++
	return nil
}

// matchingPhase runs many-to-one group matching first, then individual
// matching with bounded combinatorial search.
func (run *runState) matchingPhase(ctx context.Context, txns []*domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	superset, err := run.prefetchCandidates(ctx, txns)
	if err != nil {
		return err
	}

	grouped := make(map[string]bool)
	for _, group := range groupBatchPayments(txns, run.cfg.GroupSimilarity) {
		ok, err := run.matchGroup(ctx, group, superset)
		if err != nil {
			return err
		}
		if ok {
			for _, txn := range group {
				grouped[txn.ID] = true
			}
		}
	}

	for _, txn := range txns {
		if grouped[txn.ID] {
			continue
		}
		if err := run.matchIndividual(ctx, txn, superset); err != nil {
			return err
		}
	}
	return nil
}

// prefetchCandidates pulls one candidate superset spanning the whole
// batch's date range instead of one query per transaction.
func (run *runState) prefetchCandidates(ctx context.Context, txns []*domain.Transaction) ([]*domain.Entry, error) {
	min, max := txns[0].Date, txns[0].Date
	for _, txn := range txns[1:] {
		if txn.Date.Before(min) {
			min = txn.Date
		}
		if txn.Date.After(max) {
			max = txn.Date
		}
	}

	window := time.Duration(run.cfg.DateWindowDays) * 24 * time.Hour
	retriever := NewRetriever(run.repo, run.cfg)
	return retriever.Window(ctx, run.userID, min.Add(-window), max.Add(window))
}

// candidatesFor narrows the superset to the transaction's window,
// excluding entries this run already booked.
func (run *runState) candidatesFor(superset []*domain.Entry, ref time.Time, target decimal.Decimal) []*domain.Entry {
	windowed := FilterForDate(superset, ref, run.cfg.DateWindowDays)

	available := windowed[:0]
	for _, e := range windowed {
		if !run.claimed[e.ID] {
			available = append(available, e)
		}
	}
	return Prune(available, target, ref, run.cfg.CandidateCap)
}

// matchGroup tries to match a batch-payment group against one entry
// whose total equals the group sum. Returns true when the group was
// settled (accepted or queued); false sends members to individual
// matching.
func (run *runState) matchGroup(ctx context.Context, group []*domain.Transaction, superset []*domain.Entry) (bool, error) {
	sum := decimal.Zero
	for _, txn := range group {
		sum = sum.Add(txn.Amount)
	}
	ref := group[0]

	pruned := run.candidatesFor(superset, ref.Date, sum)
	if len(pruned) == 0 {
		return false, nil
	}

	hist := run.history.Score(ctx, ref, run.cfg.Tolerance)
	band := run.cfg.Tolerance.For(sum)

	var best *Candidate
	for _, e := range pruned {
		if e.DebitTotal().Sub(sum).Abs().GreaterThan(band) {
			continue
		}
		cand := run.scorer.Score(ctx, ref, ScoreInput{
			Entries:         []*domain.Entry{e},
			ManyToOne:       true,
			AmountOverride:  &sum,
			HistoryOverride: &hist,
		})
		best = Best(best, cand)
	}

	if best == nil || best.Score < run.cfg.PendingReviewThreshold {
		return false, nil
	}

	// Every transaction in the group shares the outcome.
	for _, txn := range group {
		if err := run.route(ctx, txn, best); err != nil {
			return false, err
		}
	}
	return true, nil
}

// matchIndividual evaluates the best single-entry candidate and every
// 2- and 3-entry combination whose combined amount lands within twice
// the tolerance, keeping the highest-scoring proposal.
func (run *runState) matchIndividual(ctx context.Context, txn *domain.Transaction, superset []*domain.Entry) error {
	pruned := run.candidatesFor(superset, txn.Date, txn.Amount)
	hist := run.history.Score(ctx, txn, run.cfg.Tolerance)

	var best *Candidate
	for _, e := range pruned {
		cand := run.scorer.Score(ctx, txn, ScoreInput{
			Entries:         []*domain.Entry{e},
			HistoryOverride: &hist,
		})
		best = Best(best, cand)
	}

	band := run.cfg.Tolerance.For(txn.Amount).Mul(decimal.NewFromInt(2))
	totals := make([]decimal.Decimal, len(pruned))
	for i, e := range pruned {
		totals[i] = e.DebitTotal()
	}

	for i := 0; i < len(pruned); i++ {
		for j := i + 1; j < len(pruned); j++ {
			sum2 := totals[i].Add(totals[j])
			if sum2.Sub(txn.Amount).Abs().LessThanOrEqual(band) {
				cand := run.scorer.Score(ctx, txn, ScoreInput{
					Entries:         []*domain.Entry{pruned[i], pruned[j]},
					HistoryOverride: &hist,
				})
				best = Best(best, cand)
			}
			for k := j + 1; k < len(pruned); k++ {
				sum3 := sum2.Add(totals[k])
				if sum3.Sub(txn.Amount).Abs().LessThanOrEqual(band) {
					cand := run.scorer.Score(ctx, txn, ScoreInput{
						Entries:         []*domain.Entry{pruned[i], pruned[j], pruned[k]},
						HistoryOverride: &hist,
					})
					best = Best(best, cand)
				}
			}
		}
	}

	return run.route(ctx, txn, best)
}

// route applies threshold routing to the best candidate for a
// transaction and persists the outcome.
func (run *runState) route(ctx context.Context, txn *domain.Transaction, cand *Candidate) error {
	if cand == nil || cand.Score < run.cfg.PendingReviewThreshold {
		if err := run.repo.UpdateTransactionStatus(ctx, run.userID, txn.ID, domain.TxnUnmatched); err != nil {
			return err
		}
		run.stats.Unmatched++
		return nil
	}

	status := domain.MatchPendingReview
	if cand.Score >= run.cfg.AutoAcceptThreshold {
		status = domain.MatchAutoAccepted
	}

	created, err := run.persistMatch(ctx, txn, cand, status)
	if err != nil {
		return err
	}
	if created == nil {
		// Identical candidate set already active: no status churn.
		return nil
	}

	if status == domain.MatchAutoAccepted {
		if err := run.repo.UpdateTransactionStatus(ctx, run.userID, txn.ID, domain.TxnMatched); err != nil {
			return err
		}
		for _, e := range cand.Entries {
			if e.Status == domain.EntryVoid {
				continue
			}
			if err := run.repo.UpdateEntryStatus(ctx, run.userID, e.ID, domain.EntryReconciled); err != nil {
				return err
			}
			run.claimed[e.ID] = true
		}
		run.stats.AutoAccepted++
	} else {
		// Pending review: the transaction stays PENDING.
		run.stats.Pending++
	}
	return nil
}

// persistMatch creates a match row with supersede semantics: an active
// match over a different candidate set is superseded by the new one; an
// identical set is an idempotent no-op (returns nil).
func (run *runState) persistMatch(ctx context.Context, txn *domain.Transaction, cand *Candidate, status domain.MatchStatus) (*domain.Match, error) {
	active, err := run.repo.GetActiveMatchByTxn(ctx, run.userID, txn.ID)
	if err != nil {
		return nil, err
	}

	if active != nil && active.SameEntries(cand.EntryIDs) {
		return nil, nil
	}

	now := time.Now().UTC()
	m := &domain.Match{
		ID:        uuid.New().String(),
		UserID:    run.userID,
		TxnID:     txn.ID,
		EntryIDs:  cand.EntryIDs,
		Score:     cand.Score,
		Breakdown: cand.Breakdown,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := run.repo.CreateMatch(ctx, run.userID, m); err != nil {
		return nil, err
	}

	if active != nil {
		active.Status = domain.MatchSuperseded
		active.Version++
		active.SupersededByID = m.ID
		active.UpdatedAt = now
		if err := run.repo.UpdateMatch(ctx, run.userID, active); err != nil {
			return nil, err
		}
	}

	run.matches = append(run.matches, m)
	run.addMatchEvent(m)
	return m, nil
}

func (run *runState) addMatchEvent(m *domain.Match) {
	topic := domain.TopicMatchCreated
	if m.Status == domain.MatchAutoAccepted {
		topic = domain.TopicMatchAutoAccepted
	}
	payload, _ := json.Marshal(MatchEvent{
		MatchID: m.ID,
		TxnID:   m.TxnID,
		Score:   m.Score,
		Status:  string(m.Status),
	})
	run.events = append(run.events, event{topic: topic, payload: payload})
}

// pairingPhase nets opposite-direction Processing legs. Best-effort: a
// pairing failure never aborts the run.
func (run *runState) pairingPhase(ctx context.Context) {
	pairer := NewPairer(run.cfg)
	pairs, err := pairer.Pair(ctx, run.repo, run.userID)
	if err != nil {
		slog.Warn("transfer auto-pairing failed",
			"user_id", run.userID,
			"error", err,
		)
		return
	}
	run.stats.Paired = len(pairs)

	for _, pair := range pairs {
		payload, _ := json.Marshal(pair)
		run.events = append(run.events, event{topic: domain.TopicTransferPaired, payload: payload})
	}
}

// groupBatchPayments clusters same-day, same-direction transactions by
// description similarity into batch-payment groups of size > 1.
func groupBatchPayments(txns []*domain.Transaction, minSimilarity int) [][]*domain.Transaction {
	var groups [][]*domain.Transaction
	used := make(map[string]bool)

	for i, txn := range txns {
		if used[txn.ID] {
			continue
		}
		group := []*domain.Transaction{txn}
		for _, other := range txns[i+1:] {
			if used[other.ID] {
				continue
			}
			if !sameDay(txn.Date, other.Date) || txn.Direction != other.Direction {
				continue
			}
			if scoring.Description(txn.Description, other.Description) >= minSimilarity {
				group = append(group, other)
				used[other.ID] = true
			}
		}
		if len(group) > 1 {
			used[txn.ID] = true
			groups = append(groups, group)
		}
	}
	return groups
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
