package matching

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// TransferDetector decides whether a bank transaction looks like an
// inter-account transfer. Pluggable so the heuristic can be swapped
// without touching the orchestrator.
type TransferDetector interface {
	LooksLikeTransfer(txn *domain.Transaction) bool
}

// KeywordDetector flags transactions whose normalized description
// contains any of a keyword list. This is the default heuristic.
type KeywordDetector struct {
	keywords []string
}

// NewKeywordDetector builds the default detector from a keyword list.
func NewKeywordDetector(keywords []string) *KeywordDetector {
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if n := scoring.Normalize(kw); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &KeywordDetector{keywords: normalized}
}

func (d *KeywordDetector) LooksLikeTransfer(txn *domain.Transaction) bool {
	desc := scoring.Normalize(txn.Description)
	for _, kw := range d.keywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// CELDetector evaluates configured CEL predicates over the transaction.
// Expressions see `description` (string), `amount` (double) and
// `direction` (string) and must yield a bool.
type CELDetector struct {
	programs []cel.Program
}

// NewCELDetector compiles the given expressions. Expressions that fail
// to compile are logged and skipped rather than failing startup.
func NewCELDetector(expressions []string) (*CELDetector, error) {
	env, err := cel.NewEnv(
		cel.Variable("description", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("direction", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	d := &CELDetector{}
	for _, expr := range expressions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			slog.Warn("skipping invalid transfer expression",
				"expression", expr,
				"error", issues.Err(),
			)
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			slog.Warn("skipping uncompilable transfer expression",
				"expression", expr,
				"error", err,
			)
			continue
		}
		d.programs = append(d.programs, prg)
	}
	return d, nil
}

func (d *CELDetector) LooksLikeTransfer(txn *domain.Transaction) bool {
	if len(d.programs) == 0 {
		return false
	}

	amount, _ := txn.Amount.Float64()
	activation := map[string]any{
		"description": txn.Description,
		"amount":      amount,
		"direction":   string(txn.Direction),
	}

	for _, prg := range d.programs {
		out, _, err := prg.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return true
		}
	}
	return false
}

// MultiDetector combines detectors; any positive vote wins.
type MultiDetector []TransferDetector

func (m MultiDetector) LooksLikeTransfer(txn *domain.Transaction) bool {
	for _, d := range m {
		if d.LooksLikeTransfer(txn) {
			return true
		}
	}
	return false
}

// BuildDetector assembles the configured detector stack: keywords
// always, CEL predicates when any are configured.
func BuildDetector(cfg domain.MatchingConfig) (TransferDetector, error) {
	keyword := NewKeywordDetector(cfg.TransferKeywords)
	if len(cfg.TransferExpressions) == 0 {
		return keyword, nil
	}

	celDetector, err := NewCELDetector(cfg.TransferExpressions)
	if err != nil {
		return nil, err
	}
	return MultiDetector{keyword, celDetector}, nil
}

// buildTransferEntry synthesizes the balanced two-line SYSTEM entry that
// books a transfer through the Processing suspense account: an outgoing
// transfer debits Processing and credits the source account, an incoming
// one debits the destination account and credits Processing.
func buildTransferEntry(txn *domain.Transaction, processing, linked *domain.Account) *domain.Entry {
	entry := &domain.Entry{
		ID:     uuid.New().String(),
		UserID: txn.UserID,
		Date:   txn.Date,
		Memo:   "Transfer: " + txn.Description,
		Status: domain.EntryPosted,
		Source: domain.SourceSystem,
	}

	debit := domain.Line{
		ID:        uuid.New().String(),
		EntryID:   entry.ID,
		Direction: domain.Debit,
		Amount:    txn.Amount,
	}
	credit := domain.Line{
		ID:        uuid.New().String(),
		EntryID:   entry.ID,
		Direction: domain.Credit,
		Amount:    txn.Amount,
	}

	if txn.Direction == domain.DirectionOut {
		debit.AccountID, debit.AccountType = processing.ID, processing.Type
		credit.AccountID, credit.AccountType = linked.ID, linked.Type
	} else {
		debit.AccountID, debit.AccountType = linked.ID, linked.Type
		credit.AccountID, credit.AccountType = processing.ID, processing.Type
	}

	entry.Lines = []domain.Line{debit, credit}
	return entry
}
