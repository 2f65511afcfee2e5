// Package main provides the live tracking service:
// - Accepts trading calls over HTTP (POST /calls)
// - Monitors each call's token price for the 24h window
// - Runs the execution round-trip test when a sustained target is detected
// - Serves outcomes, registry stats, health, and Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/execution"
	"token-outcome-lab/internal/idhash"
	"token-outcome-lab/internal/label"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/snowflake"
	"token-outcome-lab/internal/solanaaddr"
	"token-outcome-lab/internal/storage"
	chstore "token-outcome-lab/internal/storage/clickhouse"
	"token-outcome-lab/internal/storage/memory"
	"token-outcome-lab/internal/storage/migrations"
	pgstore "token-outcome-lab/internal/storage/postgres"
	"token-outcome-lab/internal/supervisor"
)

// Server holds the tracking service components.
type Server struct {
	sup    *supervisor.Supervisor
	store  storage.OutcomeStore
	logger *log.Logger

	started time.Time
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	birdeyeAPIKey := flag.String("birdeye-api-key", os.Getenv("BIRDEYE_API_KEY"), "Birdeye API key")
	birdeyeURL := flag.String("birdeye-url", "", "Birdeye base URL override")
	jupiterURL := flag.String("jupiter-url", "", "Jupiter quote URL override")
	priceWSURL := flag.String("price-ws-url", os.Getenv("PRICE_WS_URL"), "Optional price stream WebSocket endpoint")
	httpAddr := flag.String("http-addr", ":8080", "HTTP listen address (API + metrics)")
	maxActive := flag.Int("max-active", supervisor.DefaultMaxActive, "Maximum concurrent live monitors")
	pollInterval := flag.Duration("poll-interval", label.DefaultPollInterval, "Live price sampling interval")
	targetMultiple := flag.Float64("target-multiple", label.DefaultTargetMultiple, "Price multiple that counts as the target")
	dwell := flag.Duration("dwell", label.DefaultDwell, "Continuous time at or above target before the level counts as sustained")
	horizon := flag.Duration("horizon", label.DefaultHorizon, "Monitoring window from the call's entry time")
	testNotional := flag.Float64("test-notional-sol", label.DefaultTestNotionalSOL, "Notional in SOL for the execution round trip")
	maxSlippage := flag.Float64("max-slippage", label.DefaultMaxSlippage, "Maximum acceptable round-trip cost fraction")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL and ClickHouse")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[tracker] ", log.LstdFlags|log.Lshortfile)

	// Validate required flags
	if *birdeyeAPIKey == "" {
		logger.Fatal("--birdeye-api-key is required")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	cfg := label.Config{
		TargetMultiple:  *targetMultiple,
		Dwell:           *dwell,
		Horizon:         *horizon,
		PollInterval:    *pollInterval,
		TestNotionalSOL: *testNotional,
		MaxSlippage:     *maxSlippage,
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid labeling configuration: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Create stores
	outcomeStore, barStore, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Create price source
	var birdeyeOpts []pricing.BirdeyeOption
	if *birdeyeURL != "" {
		birdeyeOpts = append(birdeyeOpts, pricing.WithBaseURL(*birdeyeURL))
	}
	var prices pricing.Source = pricing.NewBirdeyeClient(*birdeyeAPIKey, birdeyeOpts...)

	if *priceWSURL != "" {
		stream, err := pricing.NewStream(ctx, *priceWSURL, nil)
		if err != nil {
			logger.Fatalf("Failed to connect price stream: %v", err)
		}
		defer stream.Close()
		prices = pricing.NewStreamSource(prices, stream)
		logger.Printf("Price stream connected: %s", *priceWSURL)
	}

	// Create execution simulator
	var jupiterOpts []execution.JupiterOption
	if *jupiterURL != "" {
		jupiterOpts = append(jupiterOpts, execution.WithQuoteURL(*jupiterURL))
	}
	sim := execution.NewJupiterSimulator(jupiterOpts...)

	// Create supervisor
	sup, err := supervisor.New(supervisor.Options{
		Config:    cfg,
		Prices:    prices,
		Simulator: sim,
		Store:     outcomeStore,
		Bars:      barStore,
		MaxActive: *maxActive,
		Logger:    log.New(os.Stdout, "[supervisor] ", log.LstdFlags|log.Lshortfile),
	})
	if err != nil {
		logger.Fatalf("Failed to create supervisor: %v", err)
	}

	server := &Server{
		sup:     sup,
		store:   outcomeStore,
		logger:  logger,
		started: time.Now(),
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	// Start HTTP server
	go server.startHTTPServer(*httpAddr)

	logger.Printf("Tracker starting: target %.1fx, dwell %s, horizon %s, poll %s, max active %d",
		cfg.TargetMultiple, cfg.Dwell, cfg.Horizon, cfg.PollInterval, *maxActive)

	// Run the supervisor (resumes persisted monitors, then serves submissions)
	err = sup.Run(ctx)
	done <- err
	cancel()

	if err != nil && err != context.Canceled {
		logger.Fatalf("Supervisor error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates the outcome and bar stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (storage.OutcomeStore, storage.BarStore, func(), error) {
	if useMemory {
		return memory.NewOutcomeStore(), memory.NewBarStore(), func() {}, nil
	}

	// PostgreSQL (monitor state + outcomes)
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	// ClickHouse (bar archive)
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return pgstore.NewOutcomeStore(pool), chstore.NewBarStore(chConn), cleanup, nil
}

// startHTTPServer starts the HTTP server for the API, health and metrics.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// API endpoints
	mux.HandleFunc("/calls", s.handleSubmitCall)
	mux.HandleFunc("/outcome", s.handleGetOutcome)
	mux.HandleFunc("/stats", s.handleStats)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// SubmitCallRequest is the JSON body for POST /calls.
type SubmitCallRequest struct {
	// MessageID is the Discord snowflake of the source message. The call's
	// entry time is derived from it.
	MessageID string `json:"message_id"`
	Mint      string `json:"mint"`

	// T0Ms overrides the snowflake-derived entry time when set.
	T0Ms int64 `json:"t0_ms,omitempty"`
}

// SubmitCallResponse is the JSON response for POST /calls.
type SubmitCallResponse struct {
	CallID string `json:"call_id"`
	T0Ms   int64  `json:"t0_ms"`
}

// handleSubmitCall accepts a new call for tracking.
func (s *Server) handleSubmitCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.MessageID == "" {
		http.Error(w, "message_id is required", http.StatusBadRequest)
		return
	}
	if err := solanaaddr.Validate(req.Mint); err != nil {
		http.Error(w, fmt.Sprintf("invalid mint: %v", err), http.StatusBadRequest)
		return
	}

	t0 := req.T0Ms
	if t0 == 0 {
		var err error
		t0, err = snowflake.ToUnixMs(req.MessageID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid message_id: %v", err), http.StatusBadRequest)
			return
		}
	}

	call := domain.Call{
		CallID:    idhash.ComputeCallID(req.MessageID, req.Mint, t0),
		MessageID: req.MessageID,
		Mint:      req.Mint,
		T0:        t0,
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := s.sup.Submit(r.Context(), call); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrAlreadyTracked):
			// Resubmission of a known call returns the same identity.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(SubmitCallResponse{CallID: call.CallID, T0Ms: t0})
		case errors.Is(err, supervisor.ErrSubmitOverflow):
			http.Error(w, "submission queue full", http.StatusServiceUnavailable)
		case errors.Is(err, storage.ErrInvalidInput):
			http.Error(w, fmt.Sprintf("invalid call: %v", err), http.StatusBadRequest)
		default:
			s.logger.Printf("Submit %s failed: %v", call.CallID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	s.logger.Printf("Accepted call %s (mint %s, t0 %d)", call.CallID, call.Mint, t0)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitCallResponse{CallID: call.CallID, T0Ms: t0})
}

// handleGetOutcome returns the terminal record for a call, 404 when the
// call is unknown and 202 while it is still being monitored.
func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	outcome, err := s.store.GetOutcome(r.Context(), callID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	case errors.Is(err, storage.ErrPending):
		http.Error(w, "outcome pending", http.StatusAccepted)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "unknown call", http.StatusNotFound)
	default:
		s.logger.Printf("GetOutcome %s failed: %v", callID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// StatsResponse is the JSON response for /stats.
type StatsResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Stats  supervisor.Stats `json:"registry"`
}

// handleStats returns registry statistics as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Status: "running",
		Uptime: time.Since(s.started).String(),
		Stats:  s.sup.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
