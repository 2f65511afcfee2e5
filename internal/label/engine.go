package label

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/execution"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/retry"
	"token-outcome-lab/internal/storage"
)

// Options configures an Engine.
type Options struct {
	Call      domain.Call
	Config    Config
	Prices    pricing.Source
	Simulator execution.Simulator
	Store     storage.OutcomeStore

	// Logger defaults to the standard logger.
	Logger *log.Logger

	// Now defaults to time.Now. Injectable for tests.
	Now func() time.Time

	// Resume is a previously persisted state to continue from after a
	// restart. When set the entry price is not re-resolved.
	Resume *domain.MonitorState
}

// Engine labels one call: it owns the call's monitor state, feeds samples
// through the state machine, runs execution tests when dwell completes, and
// persists progress so a restart can resume mid-window.
//
// Engines are single-owner: all methods must be called from one goroutine.
type Engine struct {
	call   domain.Call
	cfg    Config
	prices pricing.Source
	sim    execution.Simulator
	store  storage.OutcomeStore
	logger *log.Logger
	now    func() time.Time

	st          *domain.MonitorState
	lastPersist time.Time
	dirty       bool

	outcome *domain.Outcome
}

// NewEngine creates an engine for one call.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Call.CallID == "" {
		return nil, fmt.Errorf("engine: call ID required")
	}
	if opts.Prices == nil {
		return nil, fmt.Errorf("engine: price source required")
	}
	if opts.Simulator == nil {
		return nil, fmt.Errorf("engine: execution simulator required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: outcome store required")
	}

	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		call:   opts.Call,
		cfg:    cfg,
		prices: opts.Prices,
		sim:    opts.Simulator,
		store:  opts.Store,
		logger: logger,
		now:    now,
		st:     opts.Resume,
	}, nil
}

// State returns a snapshot of the current monitor state, or nil before
// initialization.
func (e *Engine) State() *domain.MonitorState {
	if e.st == nil {
		return nil
	}
	return e.st.Clone()
}

// Outcome returns the terminal outcome, or nil while the window is open.
func (e *Engine) Outcome() *domain.Outcome {
	return e.outcome
}

// Run monitors the call live until its window closes, then finalizes.
// On context cancellation the latest state is persisted and ctx.Err()
// returned, so a new engine can resume from the store.
func (e *Engine) Run(ctx context.Context) (*domain.Outcome, error) {
	if err := e.init(ctx); err != nil {
		return e.outcome, err
	}
	if e.outcome != nil {
		// Unlabeled calls are terminal straight out of init.
		return e.outcome, nil
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		nowMs := e.now().UnixMilli()
		if nowMs >= e.st.WindowDeadline {
			return e.finalize(ctx), nil
		}

		select {
		case <-ctx.Done():
			e.flushState()
			return nil, ctx.Err()
		case <-ticker.C:
		}

		e.pollOnce(ctx)
	}
}

// init resolves the entry price and builds fresh state, unless resuming.
func (e *Engine) init(ctx context.Context) error {
	if e.st != nil {
		e.logger.Printf("[label] resuming call=%s mint=%s phase=%s", e.call.CallID, e.call.Mint, e.st.Phase)
		// A crash between the execution request and its result loses the
		// in-flight test. The period retries on the next qualifying sample.
		if e.st.Phase == domain.PhaseExecutionPending {
			e.st.Phase = domain.PhaseActive
		}
		return nil
	}

	entry, err := e.prices.EntryPrice(ctx, e.call)
	if err != nil {
		if errors.Is(err, pricing.ErrNoEntryPrice) {
			e.logger.Printf("[label] no entry price for call=%s mint=%s, finalizing unlabeled", e.call.CallID, e.call.Mint)
			e.finalizeUnlabeled(ctx)
			return nil
		}
		return fmt.Errorf("resolve entry price for %s: %w", e.call.CallID, err)
	}

	e.st = NewState(e.call, entry, e.cfg, e.now().UnixMilli())
	e.logger.Printf("[label] monitoring call=%s mint=%s entry=%g target=%g deadline=%d",
		e.call.CallID, e.call.Mint, entry, e.st.TargetPrice, e.st.WindowDeadline)
	e.persistState(ctx)
	return nil
}

// pollOnce fetches one spot price and feeds it through the state machine.
// A poll that fails after retries is skipped, not fatal.
func (e *Engine) pollOnce(ctx context.Context) {
	price, err := e.prices.CurrentPrice(ctx, e.call.Mint)
	if err != nil {
		observability.RecordPollFailed()
		e.logger.Printf("[label] poll failed call=%s mint=%s: %v", e.call.CallID, e.call.Mint, err)
		return
	}

	e.ProcessSample(ctx, domain.PointSample(e.now().UnixMilli(), price), "live")
}

// ProcessSample runs one sample through the state machine and performs the
// resulting side effects. Shared by the live loop and the replayer.
func (e *Engine) ProcessSample(ctx context.Context, s domain.Sample, mode string) {
	tr := Apply(e.st, e.cfg, s)
	if tr.Stale || tr.Expired {
		return
	}

	observability.RecordSampleProcessed(mode)
	observability.UpdateLastSample(s.TimestampMs / 1000)
	e.dirty = true

	if tr.TouchedNow {
		e.logger.Printf("[label] target touched call=%s price=%g target=%g", e.call.CallID, s.Price, e.st.TargetPrice)
	}
	if tr.CrossedNow {
		observability.RecordTargetCrossing()
	}
	if tr.Reset {
		observability.RecordDwellReset()
	}

	if tr.NeedExecutionTest {
		e.runExecutionTest(ctx, tr.PeriodStart)
	}

	if tr.TouchedNow || tr.CrossedNow || tr.Reset || tr.NeedExecutionTest {
		e.persistState(ctx)
	} else if e.dirty && e.now().Sub(e.lastPersist) >= e.cfg.Heartbeat {
		e.persistState(ctx)
	}
}

// runExecutionTest simulates a round trip for a dwell-complete period and
// latches the result. A simulator outage after retries counts as a failed
// test for this period.
func (e *Engine) runExecutionTest(ctx context.Context, periodStart int64) {
	e.st.Phase = domain.PhaseExecutionPending
	e.st.UpdatedAt = e.now().UnixMilli()
	e.persistState(ctx)

	report, err := e.sim.RoundTrip(ctx, e.call.Mint, e.cfg.TestNotionalSOL, e.cfg.MaxSlippage)
	nowMs := e.now().UnixMilli()

	if err != nil {
		observability.RecordExecutionTest("error")
		e.logger.Printf("[label] execution test errored call=%s period=%d: %v", e.call.CallID, periodStart, err)
		RecordExecutionResult(e.st, periodStart, false, nowMs)
		return
	}

	if report.Executable {
		observability.RecordExecutionTest("pass")
		e.logger.Printf("[label] sustained confirmed call=%s period=%d cost=%.4f", e.call.CallID, periodStart, report.EffectiveCostPct)
	} else {
		observability.RecordExecutionTest("fail")
		e.logger.Printf("[label] execution test failed call=%s period=%d: %s", e.call.CallID, periodStart, report.FailReason)
	}
	RecordExecutionResult(e.st, periodStart, report.Executable, nowMs)
}

// finalize closes the window and writes the terminal outcome.
func (e *Engine) finalize(ctx context.Context) *domain.Outcome {
	o := Finalize(e.st, e.now().UnixMilli())
	e.persistState(ctx)
	e.writeOutcome(ctx, o)

	label := "loss"
	if o.Win {
		label = "win"
	}
	observability.RecordOutcomeFinalized(label)
	e.logger.Printf("[label] finalized call=%s win=%t touched=%t max_multiple=%.2f",
		e.call.CallID, o.Win, o.TouchedTarget, o.MaxMultiple)

	e.outcome = o
	return o
}

// finalizeUnlabeled writes the terminal record for a call with no entry
// price baseline.
func (e *Engine) finalizeUnlabeled(ctx context.Context) {
	o := UnlabeledOutcome(e.call, e.now().UnixMilli())
	e.writeOutcome(ctx, o)
	observability.RecordOutcomeFinalized("unlabeled")
	e.outcome = o
}

// persistState writes the current state snapshot. Memory stays
// authoritative: a write that fails after retries is logged and monitoring
// continues.
func (e *Engine) persistState(ctx context.Context) {
	if e.st == nil {
		return
	}
	e.st.UpdatedAt = e.now().UnixMilli()

	err := retry.Do(ctx, storeRetryPolicy(), nil, func(ctx context.Context) error {
		if err := e.store.UpsertState(ctx, e.st); err != nil {
			observability.RecordStoreRetry("upsert_state")
			return err
		}
		return nil
	})
	if err != nil {
		if !retry.IsContextErr(err) {
			e.logger.Printf("[label] state persist failed call=%s: %v", e.call.CallID, err)
		}
		return
	}
	e.lastPersist = e.now()
	e.dirty = false
}

// writeOutcome persists a terminal outcome with retries.
func (e *Engine) writeOutcome(ctx context.Context, o *domain.Outcome) {
	err := retry.Do(ctx, storeRetryPolicy(), nil, func(ctx context.Context) error {
		if err := e.store.Finalize(ctx, o); err != nil {
			observability.RecordStoreRetry("finalize")
			return err
		}
		return nil
	})
	if err != nil && !retry.IsContextErr(err) {
		e.logger.Printf("[label] outcome persist failed call=%s: %v", e.call.CallID, err)
	}
}

// flushState writes the final snapshot on shutdown. The caller's context
// is already cancelled, so the write runs on its own deadline.
func (e *Engine) flushState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.persistState(ctx)
}

func storeRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}
