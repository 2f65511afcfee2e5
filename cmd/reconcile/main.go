// Package main provides one-shot retrospective labeling. It replays
// archived or fetched price bars through the same state machine the live
// tracker uses, so a call labeled after the fact gets the same outcome it
// would have gotten live.
//
// Two modes:
//   - explicit call: --message-id and --mint describe the call directly
//   - sweep: --all reconciles every persisted monitor whose window elapsed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/execution"
	"token-outcome-lab/internal/idhash"
	"token-outcome-lab/internal/label"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/snowflake"
	"token-outcome-lab/internal/solanaaddr"
	"token-outcome-lab/internal/storage"
	chstore "token-outcome-lab/internal/storage/clickhouse"
	"token-outcome-lab/internal/storage/memory"
	"token-outcome-lab/internal/storage/migrations"
	pgstore "token-outcome-lab/internal/storage/postgres"
)

func main() {
	// Parse flags
	messageID := flag.String("message-id", "", "Source message snowflake for an explicit call")
	mint := flag.String("mint", "", "Token mint address for an explicit call")
	t0Ms := flag.Int64("t0-ms", 0, "Entry time override (ms); derived from the snowflake when 0")
	all := flag.Bool("all", false, "Reconcile every persisted monitor whose window elapsed")

	// Pricing and execution
	birdeyeAPIKey := flag.String("birdeye-api-key", os.Getenv("BIRDEYE_API_KEY"), "Birdeye API key")
	birdeyeURL := flag.String("birdeye-url", "", "Birdeye base URL override")
	jupiterURL := flag.String("jupiter-url", "", "Jupiter quote URL override")
	barInterval := flag.String("bar-interval", "1m", "Bar interval for history fetches")

	// Labeling parameters
	targetMultiple := flag.Float64("target-multiple", label.DefaultTargetMultiple, "Price multiple that counts as the target")
	dwell := flag.Duration("dwell", label.DefaultDwell, "Continuous time at or above target before the level counts as sustained")
	horizon := flag.Duration("horizon", label.DefaultHorizon, "Monitoring window from the call's entry time")
	testNotional := flag.Float64("test-notional-sol", label.DefaultTestNotionalSOL, "Notional in SOL for the execution round trip")
	maxSlippage := flag.Float64("max-slippage", label.DefaultMaxSlippage, "Maximum acceptable round-trip cost fraction")

	// Storage
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage (explicit call mode only)")

	// Output
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stderr, "[reconcile] ", log.LstdFlags)

	// Validate required flags
	if *birdeyeAPIKey == "" {
		logger.Fatal("--birdeye-api-key is required")
	}
	explicit := *messageID != "" || *mint != ""
	if explicit == *all {
		logger.Fatal("Specify either --message-id/--mint or --all")
	}
	if *all && *useMemory {
		logger.Fatal("--all needs persisted monitors; it cannot run with --use-memory")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for an explicit call)")
	}

	cfg := label.Config{
		TargetMultiple:  *targetMultiple,
		Dwell:           *dwell,
		Horizon:         *horizon,
		TestNotionalSOL: *testNotional,
		MaxSlippage:     *maxSlippage,
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid labeling configuration: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Create stores
	var outcomeStore storage.OutcomeStore = memory.NewOutcomeStore()
	var barStore storage.BarStore = memory.NewBarStore()

	if !*useMemory {
		pool, err := pgstore.NewPool(ctx, *postgresDSN)
		if err != nil {
			logger.Fatalf("connect to postgres: %v", err)
		}
		defer pool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			logger.Fatalf("run postgres migrations: %v", err)
		}

		conn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("run clickhouse migrations: %v", err)
		}
		defer conn.Close()

		outcomeStore = pgstore.NewOutcomeStore(pool)
		barStore = chstore.NewBarStore(conn)
	}

	// Create price source and execution simulator
	var birdeyeOpts []pricing.BirdeyeOption
	if *birdeyeURL != "" {
		birdeyeOpts = append(birdeyeOpts, pricing.WithBaseURL(*birdeyeURL))
	}
	prices := pricing.NewBirdeyeClient(*birdeyeAPIKey, birdeyeOpts...)

	var jupiterOpts []execution.JupiterOption
	if *jupiterURL != "" {
		jupiterOpts = append(jupiterOpts, execution.WithQuoteURL(*jupiterURL))
	}
	sim := execution.NewJupiterSimulator(jupiterOpts...)

	r := &reconciler{
		cfg:      cfg,
		prices:   prices,
		sim:      sim,
		store:    outcomeStore,
		bars:     barStore,
		interval: *barInterval,
		logger:   logger,
	}

	if explicit {
		outcome, err := r.runExplicit(ctx, *messageID, *mint, *t0Ms)
		if err != nil {
			logger.Fatalf("reconcile failed: %v", err)
		}
		printOutcome(outcome, *outputJSON)
		return
	}

	outcomes, err := r.runSweep(ctx)
	if err != nil {
		logger.Fatalf("sweep failed: %v", err)
	}
	printSummary(outcomes, *outputJSON)
}

// reconciler labels calls against archived or fetched bar history.
type reconciler struct {
	cfg      label.Config
	prices   pricing.Source
	sim      execution.Simulator
	store    storage.OutcomeStore
	bars     storage.BarStore
	interval string
	logger   *log.Logger
}

// runExplicit labels a single call described on the command line.
func (r *reconciler) runExplicit(ctx context.Context, messageID, mint string, t0 int64) (*domain.Outcome, error) {
	if messageID == "" {
		return nil, fmt.Errorf("--message-id is required for an explicit call")
	}
	if err := solanaaddr.Validate(mint); err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}
	if t0 == 0 {
		var err error
		t0, err = snowflake.ToUnixMs(messageID)
		if err != nil {
			return nil, fmt.Errorf("invalid message id: %w", err)
		}
	}

	call := domain.Call{
		CallID:    idhash.ComputeCallID(messageID, mint, t0),
		MessageID: messageID,
		Mint:      mint,
		T0:        t0,
		CreatedAt: time.Now().UnixMilli(),
	}

	// An already finalized call keeps its record.
	if existing, err := r.store.GetOutcome(ctx, call.CallID); err == nil {
		r.logger.Printf("Call %s already finalized", call.CallID)
		return existing, nil
	}

	return r.reconcile(ctx, call, nil)
}

// runSweep labels every persisted monitor whose window elapsed.
func (r *reconciler) runSweep(ctx context.Context) ([]*domain.Outcome, error) {
	states, err := r.store.LoadActiveStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active states: %w", err)
	}

	nowMs := time.Now().UnixMilli()
	var outcomes []*domain.Outcome
	var failed int

	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if nowMs < st.WindowDeadline {
			continue // still inside the window, the live tracker owns it
		}

		call := domain.Call{CallID: st.CallID, Mint: st.Mint, T0: st.T0}
		outcome, err := r.reconcile(ctx, call, st)
		if err != nil {
			r.logger.Printf("Reconcile %s failed: %v", st.CallID, err)
			failed++
			continue
		}
		outcomes = append(outcomes, outcome)
	}

	r.logger.Printf("Sweep complete: %d labeled, %d failed, %d still live",
		len(outcomes), failed, len(states)-len(outcomes)-failed)
	return outcomes, nil
}

func (r *reconciler) reconcile(ctx context.Context, call domain.Call, resume *domain.MonitorState) (*domain.Outcome, error) {
	engine, err := label.NewEngine(label.Options{
		Call:      call,
		Config:    r.cfg,
		Prices:    r.prices,
		Simulator: r.sim,
		Store:     r.store,
		Logger:    r.logger,
		Resume:    resume,
	})
	if err != nil {
		return nil, err
	}

	bars, err := r.loadBars(ctx, call)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("Reconciling %s over %d bars", call.CallID, len(bars))

	return engine.Reconcile(ctx, bars)
}

// loadBars serves history from the archive when present, otherwise fetches
// it from the provider and archives it for later runs.
func (r *reconciler) loadBars(ctx context.Context, call domain.Call) ([]*domain.Bar, error) {
	deadline := call.T0 + r.cfg.Horizon.Milliseconds()

	bars, err := r.bars.GetByTimeRange(ctx, call.CallID, call.T0, deadline)
	if err == nil && len(bars) > 0 {
		return bars, nil
	}
	if err != nil {
		r.logger.Printf("Bar archive read for %s failed, fetching: %v", call.CallID, err)
	}

	bars, err = r.prices.Bars(ctx, call.Mint, call.T0, deadline, r.interval)
	if err != nil {
		if errors.Is(err, pricing.ErrNoBars) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch bars: %w", err)
	}

	if err := r.bars.InsertBulk(ctx, call.CallID, bars); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		r.logger.Printf("Archiving bars for %s failed: %v", call.CallID, err)
	}
	return bars, nil
}

// printOutcome outputs one terminal record.
func printOutcome(o *domain.Outcome, asJSON bool) {
	if asJSON {
		output, _ := json.MarshalIndent(o, "", "  ")
		fmt.Println(string(output))
		return
	}

	fmt.Println()
	fmt.Println("=== Outcome ===")
	fmt.Printf("Call ID:        %s\n", o.CallID)
	fmt.Printf("Status:         %s\n", o.Status)
	if o.Status == domain.LabelStatusLabeled {
		fmt.Printf("Win:            %t\n", o.Win)
		fmt.Printf("Touched Target: %t\n", o.TouchedTarget)
		fmt.Printf("Sustained:      %t\n", o.Sustained)
		fmt.Printf("Entry Price:    %.10f\n", o.EntryPrice)
		fmt.Printf("Max Price:      %.10f\n", o.MaxPrice)
		fmt.Printf("Max Multiple:   %.2fx\n", o.MaxMultiple)
	}
	fmt.Printf("Finalized At:   %s\n", time.UnixMilli(o.FinalizedAt).Format(time.RFC3339))
}

// printSummary outputs the sweep result.
func printSummary(outcomes []*domain.Outcome, asJSON bool) {
	if asJSON {
		output, _ := json.MarshalIndent(outcomes, "", "  ")
		fmt.Println(string(output))
		return
	}

	var wins, losses, unlabeled int
	for _, o := range outcomes {
		switch {
		case o.Status == domain.LabelStatusUnlabeled:
			unlabeled++
		case o.Win:
			wins++
		default:
			losses++
		}
	}

	fmt.Println()
	fmt.Println("=== Reconciliation Sweep ===")
	fmt.Printf("Labeled:    %d\n", wins+losses)
	fmt.Printf("  Wins:     %d\n", wins)
	fmt.Printf("  Losses:   %d\n", losses)
	fmt.Printf("Unlabeled:  %d\n", unlabeled)
	for _, o := range outcomes {
		marker := "LOSS"
		if o.Status == domain.LabelStatusUnlabeled {
			marker = "UNLABELED"
		} else if o.Win {
			marker = "WIN "
		}
		fmt.Printf("  %s  %s  max %.2fx\n", marker, o.CallID, o.MaxMultiple)
	}
}
