package label

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/storage"
	"token-outcome-lab/internal/storage/memory"
)

// fakeSource serves canned prices for engine tests.
type fakeSource struct {
	entry    float64
	entryErr error
	price    float64
	priceErr error
	bars     []*domain.Bar
}

func (f *fakeSource) EntryPrice(ctx context.Context, call domain.Call) (float64, error) {
	if f.entryErr != nil {
		return 0, f.entryErr
	}
	return f.entry, nil
}

func (f *fakeSource) CurrentPrice(ctx context.Context, mint string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeSource) Bars(ctx context.Context, mint string, fromMs, toMs int64, interval string) ([]*domain.Bar, error) {
	if len(f.bars) == 0 {
		return nil, pricing.ErrNoBars
	}
	return f.bars, nil
}

// fakeSimulator returns a fixed result and counts invocations.
type fakeSimulator struct {
	executable bool
	err        error
	calls      atomic.Int64
}

func (f *fakeSimulator) RoundTrip(ctx context.Context, mint string, notionalSOL, maxSlippage float64) (*domain.ExecutionReport, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ExecutionReport{
		Executable:       f.executable,
		EffectiveCostPct: 0.05,
	}, nil
}

func testEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Config.TargetMultiple == 0 {
		opts.Config = DefaultConfig()
	}
	if opts.Store == nil {
		opts.Store = memory.NewOutcomeStore()
	}
	if opts.Prices == nil {
		opts.Prices = &fakeSource{entry: 1.0}
	}
	if opts.Simulator == nil {
		opts.Simulator = &fakeSimulator{executable: true}
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestNewEngineValidation(t *testing.T) {
	store := memory.NewOutcomeStore()
	src := &fakeSource{entry: 1.0}
	sim := &fakeSimulator{}

	cases := []struct {
		name string
		opts Options
	}{
		{"missing call", Options{Prices: src, Simulator: sim, Store: store}},
		{"missing prices", Options{Call: testCall(), Simulator: sim, Store: store}},
		{"missing simulator", Options{Call: testCall(), Prices: src, Store: store}},
		{"missing store", Options{Call: testCall(), Prices: src, Simulator: sim}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEngine(tc.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunNoEntryPriceFinalizesUnlabeled(t *testing.T) {
	store := memory.NewOutcomeStore()
	e := testEngine(t, Options{
		Call:   testCall(),
		Prices: &fakeSource{entryErr: pricing.ErrNoEntryPrice},
		Store:  store,
	})

	o, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o == nil || o.Status != domain.LabelStatusUnlabeled {
		t.Fatalf("outcome = %+v, want UNLABELED terminal record", o)
	}

	stored, err := store.GetOutcome(context.Background(), testCall().CallID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if stored.Status != domain.LabelStatusUnlabeled {
		t.Errorf("stored status = %s, want UNLABELED", stored.Status)
	}
}

func TestRunTransientEntryErrorPropagates(t *testing.T) {
	e := testEngine(t, Options{
		Call:   testCall(),
		Prices: &fakeSource{entryErr: pricing.ErrUnavailable},
	})

	o, err := e.Run(context.Background())
	if !errors.Is(err, pricing.ErrUnavailable) {
		t.Fatalf("Run error = %v, want ErrUnavailable", err)
	}
	if o != nil {
		t.Error("no outcome may be written on a transient entry failure")
	}
}

func TestRunFinalizesWhenWindowElapsed(t *testing.T) {
	store := memory.NewOutcomeStore()
	cfg := DefaultConfig()
	st := NewState(testCall(), 1.0, cfg, 0)
	st.MaxPrice = 4.0
	st.TouchedTarget = false

	e := testEngine(t, Options{
		Call:   testCall(),
		Config: cfg,
		Store:  store,
		Resume: st,
	})

	// T0 = 0, so the 24h window is long elapsed.
	o, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Win {
		t.Error("win = true, want loss for a call that never sustained")
	}
	if o.MaxMultiple != 4.0 {
		t.Errorf("max multiple = %f, want 4.0", o.MaxMultiple)
	}

	stored, err := store.GetState(context.Background(), testCall().CallID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if stored.Phase != domain.PhaseFinalized {
		t.Errorf("persisted phase = %s, want FINALIZED", stored.Phase)
	}
}

func TestRunCancelPersistsForResume(t *testing.T) {
	store := memory.NewOutcomeStore()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond

	call := testCall()
	call.T0 = time.Now().UnixMilli()
	st := NewState(call, 1.0, cfg, call.T0)

	e := testEngine(t, Options{
		Call:   call,
		Config: cfg,
		Store:  store,
		Prices: &fakeSource{entry: 1.0, priceErr: pricing.ErrUnavailable},
		Resume: st,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	o, err := e.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want context deadline", err)
	}
	if o != nil {
		t.Error("no outcome may exist while the window is open")
	}

	stored, err := store.GetState(context.Background(), call.CallID)
	if err != nil {
		t.Fatalf("GetState after cancel: %v", err)
	}
	if stored.Phase.IsTerminal() {
		t.Error("cancelled monitor must stay resumable")
	}
}

func TestResumeClearsPendingExecution(t *testing.T) {
	cfg := DefaultConfig()
	st := NewState(testCall(), 1.0, cfg, 0)
	st.Phase = domain.PhaseExecutionPending

	sim := &fakeSimulator{executable: true}
	e := testEngine(t, Options{
		Call:      testCall(),
		Config:    cfg,
		Simulator: sim,
		Resume:    st,
	})

	// The crash lost the in-flight test; the period must test again.
	bars := []*domain.Bar{
		{TimestampMs: sec(10), Open: 11, High: 11, Low: 11, Close: 11},
		{TimestampMs: sec(10 + 180), Open: 11, High: 11, Low: 11, Close: 11},
	}
	o, err := e.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sim.calls.Load() != 1 {
		t.Errorf("simulator calls = %d, want 1 after resume", sim.calls.Load())
	}
	if !o.Win {
		t.Error("win = false, want sustained confirmed after resume")
	}
}

func TestExecutionErrorCountsAsFailedTest(t *testing.T) {
	cfg := DefaultConfig()
	sim := &fakeSimulator{err: errors.New("quote api down")}
	st := NewState(testCall(), 1.0, cfg, 0)

	e := testEngine(t, Options{
		Call:      testCall(),
		Config:    cfg,
		Simulator: sim,
		Resume:    st,
	})

	ctx := context.Background()
	e.ProcessSample(ctx, point(10, 11.0), "live")
	e.ProcessSample(ctx, point(10+180, 11.0), "live")

	snap := e.State()
	if snap.Sustained {
		t.Error("a simulator outage must not confirm sustained")
	}
	if !snap.ExecutionTested {
		t.Error("the failed attempt must still be recorded")
	}
	if snap.Phase != domain.PhaseActive {
		t.Errorf("phase = %s, want ACTIVE after a failed test", snap.Phase)
	}

	// Still above target: same period, no second test.
	e.ProcessSample(ctx, point(10+240, 11.0), "live")
	if sim.calls.Load() != 1 {
		t.Errorf("simulator calls = %d, want 1 within one period", sim.calls.Load())
	}

	// Reset, recover, new period: the test retries.
	sim.err = nil
	sim.executable = true
	e.ProcessSample(ctx, point(400, 9.0), "live")
	e.ProcessSample(ctx, point(410, 11.0), "live")
	e.ProcessSample(ctx, point(410+180, 11.0), "live")
	if sim.calls.Load() != 2 {
		t.Errorf("simulator calls = %d, want retry on a fresh period", sim.calls.Load())
	}
	if !e.State().Sustained {
		t.Error("the fresh period's passing test must confirm sustained")
	}
}

func TestProcessSamplePersistsOnTransitions(t *testing.T) {
	store := memory.NewOutcomeStore()
	cfg := DefaultConfig()
	st := NewState(testCall(), 1.0, cfg, 0)

	e := testEngine(t, Options{
		Call:   testCall(),
		Config: cfg,
		Store:  store,
		Resume: st,
	})

	ctx := context.Background()
	e.ProcessSample(ctx, point(10, 11.0), "live")

	stored, err := store.GetState(ctx, testCall().CallID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !stored.TouchedTarget {
		t.Error("target touch must be persisted immediately")
	}
	if stored.AboveSince == nil || *stored.AboveSince != sec(10) {
		t.Errorf("persisted AboveSince = %v, want 10s", stored.AboveSince)
	}
}

// failingStore breaks Finalize to exercise the memory-authoritative path.
type failingStore struct {
	storage.OutcomeStore
}

func (f *failingStore) Finalize(ctx context.Context, o *domain.Outcome) error {
	return errors.New("db down")
}

func TestFinalizeSurvivesStoreFailure(t *testing.T) {
	cfg := DefaultConfig()
	st := NewState(testCall(), 1.0, cfg, 0)

	e := testEngine(t, Options{
		Call:   testCall(),
		Config: cfg,
		Store:  &failingStore{OutcomeStore: memory.NewOutcomeStore()},
		Resume: st,
	})

	o, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o == nil {
		t.Fatal("the in-memory outcome must exist even when the store is down")
	}
	if e.Outcome() == nil {
		t.Error("Outcome() must serve the in-memory record")
	}
}
