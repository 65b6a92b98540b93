// Benchmark tool for testing Kestrel against synthetic statement data.
//
// Usage:
//   go run cmd/benchmark/main.go -transactions 10000 -noise 0.2
//
// This tool:
//   1. Seeds a scratch database with bank transactions and ledger entries
//   2. Runs the matching orchestrator over the statement
//   3. Compares the routing (auto-accept / review / unmatched) with how
//      each transaction was seeded
//   4. Calculates hit rates, review load, and throughput
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matching"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// seedKind records how a transaction was planted so routing can be
// graded afterwards.
type seedKind int

const (
	seedExact    seedKind = iota // counterpart entry matches perfectly
	seedNoisy                    // amount jittered inside tolerance, date shifted
	seedOrphan                   // no counterpart entry exists
	seedTransfer                 // transfer leg, should route to Processing
)

var vendors = []string{
	"ACME PROPERTY RENT",
	"CITY POWER UTILITIES",
	"NORTHWIND SUPPLIES INV",
	"GLOBEX PAYROLL",
	"STARLIGHT INSURANCE PREMIUM",
	"HARBOR FREIGHT LOGISTICS",
	"CONTOSO CLOUD SERVICES",
	"WAYFARER TRAVEL BOOKING",
}

func main() {
	// Parse flags
	dbPath := flag.String("db", "", "SQLite path (default: temp file, removed on exit)")
	userID := flag.String("user", "benchmark-user", "User ID to seed and reconcile")
	count := flag.Int("transactions", 1000, "Number of transactions to seed")
	noise := flag.Float64("noise", 0.2, "Fraction seeded with amount/date jitter (0.0-1.0)")
	orphans := flag.Float64("orphans", 0.1, "Fraction seeded without a counterpart entry")
	transfers := flag.Float64("transfers", 0.1, "Fraction seeded as transfer legs")
	seed := flag.Int64("seed", 42, "Random seed for reproducible datasets")
	verbose := flag.Bool("verbose", false, "Print each mismatch")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Synthetic Reconciliation           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTransactions: %d\n", *count)
	fmt.Printf("Noise:        %.2f\n", *noise)
	fmt.Printf("Orphans:      %.2f\n", *orphans)
	fmt.Printf("Transfers:    %.2f\n", *transfers)
	fmt.Printf("Seed:         %d\n", *seed)
	fmt.Println()

	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "kestrel-benchmark")
		if err != nil {
			fmt.Printf("ERROR: temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "benchmark.db")
	}

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		fmt.Printf("ERROR: repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	busImpl, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 1000})
	if err != nil {
		fmt.Printf("ERROR: event bus: %v\n", err)
		os.Exit(1)
	}
	defer busImpl.Close()

	cfg := domain.DefaultMatchingConfig()
	detector, err := matching.BuildDetector(cfg)
	if err != nil {
		fmt.Printf("ERROR: detector: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rng := rand.New(rand.NewSource(*seed))

	fmt.Println("Seeding dataset...")
	statementID, kinds, err := seedDataset(ctx, repo, *userID, rng, *count, *noise, *orphans, *transfers)
	if err != nil {
		fmt.Printf("ERROR: seeding: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Seeded %d transactions\n", len(kinds))

	orchestrator := matching.NewOrchestrator(repo, busImpl, detector, cfg)

	fmt.Println("\nRunning reconciliation...")
	start := time.Now()
	matches, stats, err := orchestrator.Run(ctx, *userID, matching.RunOptions{StatementID: statementID})
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("ERROR: run failed: %v\n", err)
		os.Exit(1)
	}

	grade(kinds, matches, *verbose)
	printResults(kinds, stats, duration)
}

// seedDataset plants accounts, one statement, and count transactions.
// Every non-orphan transaction gets a posted counterpart entry whose
// fidelity depends on the drawn kind.
func seedDataset(ctx context.Context, repo domain.Repository, userID string, rng *rand.Rand, count int, noise, orphans, transfers float64) (string, map[string]seedKind, error) {
	bank := &domain.Account{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   "Business Checking",
		Type:   domain.AccountAsset,
	}
	expense := &domain.Account{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   "Operating Expenses",
		Type:   domain.AccountExpense,
	}
	income := &domain.Account{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   "Sales Income",
		Type:   domain.AccountIncome,
	}
	for _, acc := range []*domain.Account{bank, expense, income} {
		if err := repo.SaveAccount(ctx, userID, acc); err != nil {
			return "", nil, err
		}
	}

	statement := &domain.Statement{
		ID:         uuid.NewString(),
		UserID:     userID,
		AccountID:  bank.ID,
		Source:     "benchmark",
		ImportedAt: time.Now().UTC(),
	}
	if err := repo.SaveStatement(ctx, userID, statement); err != nil {
		return "", nil, err
	}

	base := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -30)
	kinds := make(map[string]seedKind, count)

	for i := 0; i < count; i++ {
		kind := drawKind(rng, noise, orphans, transfers)
		amount := decimal.NewFromInt(int64(rng.Intn(490000)+1000)).Div(decimal.NewFromInt(100))
		date := base.AddDate(0, 0, rng.Intn(28))
		direction := domain.DirectionOut
		counterpart := expense
		if rng.Intn(4) == 0 {
			direction = domain.DirectionIn
			counterpart = income
		}

		description := fmt.Sprintf("%s %04d", vendors[rng.Intn(len(vendors))], i)
		if kind == seedTransfer {
			description = fmt.Sprintf("INTERNAL TRANSFER REF %04d", i)
		}

		txn := &domain.Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			StatementID: statement.ID,
			Date:        date,
			Amount:      amount,
			Direction:   direction,
			Description: description,
			Status:      domain.TxnPending,
		}
		if err := repo.SaveTransaction(ctx, userID, txn); err != nil {
			return "", nil, err
		}
		kinds[txn.ID] = kind

		if kind == seedOrphan || kind == seedTransfer {
			continue
		}

		entryAmount := amount
		entryDate := date
		if kind == seedNoisy {
			// Stay inside the default tolerance band and date window.
			jitter := decimal.NewFromInt(int64(rng.Intn(9)) - 4).Div(decimal.NewFromInt(100))
			entryAmount = amount.Add(jitter)
			entryDate = date.AddDate(0, 0, rng.Intn(5)-2)
		}

		entry := &domain.Entry{
			ID:     uuid.NewString(),
			UserID: userID,
			Date:   entryDate,
			Memo:   description,
			Status: domain.EntryPosted,
			Source: domain.SourceUser,
		}
		if direction == domain.DirectionOut {
			entry.Lines = []domain.Line{
				{ID: uuid.NewString(), AccountID: counterpart.ID, AccountType: counterpart.Type, Direction: domain.Debit, Amount: entryAmount},
				{ID: uuid.NewString(), AccountID: bank.ID, AccountType: bank.Type, Direction: domain.Credit, Amount: entryAmount},
			}
		} else {
			entry.Lines = []domain.Line{
				{ID: uuid.NewString(), AccountID: bank.ID, AccountType: bank.Type, Direction: domain.Debit, Amount: entryAmount},
				{ID: uuid.NewString(), AccountID: counterpart.ID, AccountType: counterpart.Type, Direction: domain.Credit, Amount: entryAmount},
			}
		}
		if err := repo.CreateEntry(ctx, userID, entry); err != nil {
			return "", nil, err
		}
	}

	return statement.ID, kinds, nil
}

func drawKind(rng *rand.Rand, noise, orphans, transfers float64) seedKind {
	r := rng.Float64()
	switch {
	case r < transfers:
		return seedTransfer
	case r < transfers+orphans:
		return seedOrphan
	case r < transfers+orphans+noise:
		return seedNoisy
	default:
		return seedExact
	}
}

// grade prints per-transaction mismatches between the seeded kind and
// the final routing when verbose is set.
func grade(kinds map[string]seedKind, matches []*domain.Match, verbose bool) {
	if !verbose {
		return
	}
	matched := make(map[string]domain.MatchStatus, len(matches))
	for _, m := range matches {
		matched[m.TxnID] = m.Status
	}
	for txnID, kind := range kinds {
		status, ok := matched[txnID]
		switch {
		case kind == seedExact && status != domain.MatchAutoAccepted:
			fmt.Printf("✗ exact txn %s routed to %s\n", txnID, orUnmatched(ok, status))
		case kind == seedOrphan && ok:
			fmt.Printf("✗ orphan txn %s matched as %s\n", txnID, status)
		}
	}
}

func orUnmatched(ok bool, status domain.MatchStatus) string {
	if !ok {
		return "UNMATCHED"
	}
	return string(status)
}

func printResults(kinds map[string]seedKind, stats matching.RunStats, duration time.Duration) {
	seeded := make(map[seedKind]int)
	for _, k := range kinds {
		seeded[k]++
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET\n")
	fmt.Printf("   Exact matches seeded:  %d\n", seeded[seedExact])
	fmt.Printf("   Noisy matches seeded:  %d\n", seeded[seedNoisy])
	fmt.Printf("   Orphans seeded:        %d\n", seeded[seedOrphan])
	fmt.Printf("   Transfer legs seeded:  %d\n", seeded[seedTransfer])

	fmt.Printf("\n🎯 ROUTING\n")
	fmt.Printf("   Processed:     %d\n", stats.Transactions)
	fmt.Printf("   Auto-accepted: %d\n", stats.AutoAccepted)
	fmt.Printf("   Pending:       %d\n", stats.Pending)
	fmt.Printf("   Unmatched:     %d\n", stats.Unmatched)
	fmt.Printf("   Transfers:     %d (paired %d)\n", stats.Transfers, stats.Paired)

	matchable := seeded[seedExact] + seeded[seedNoisy]
	if matchable > 0 {
		hit := float64(stats.AutoAccepted+stats.Pending) / float64(matchable) * 100
		fmt.Printf("\n🔍 ANALYSIS\n")
		fmt.Printf("   Hit rate:      %.2f%% of matchable transactions found a candidate\n", hit)
		auto := float64(stats.AutoAccepted) / float64(matchable) * 100
		fmt.Printf("   Auto rate:     %.2f%% cleared without review\n", auto)
	}
	if stats.Pending > 0 && stats.Transactions > 0 {
		reviewLoad := float64(stats.Pending) / float64(stats.Transactions) * 100
		fmt.Printf("   Review load:   %.2f%% of the statement needs a human\n", reviewLoad)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if stats.Transactions > 0 {
		tps := float64(stats.Transactions) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f txn/sec\n", tps)
	}
	fmt.Println()
}
