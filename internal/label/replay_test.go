package label

import (
	"context"
	"testing"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/storage/memory"
)

// flatBar builds a bar with no intra-bar range, the shape a live point
// sample would take.
func flatBar(s int64, price float64) *domain.Bar {
	return &domain.Bar{TimestampMs: sec(s), Open: price, High: price, Low: price, Close: price}
}

func TestReconcileWin(t *testing.T) {
	store := memory.NewOutcomeStore()
	sim := &fakeSimulator{executable: true}

	e := testEngine(t, Options{
		Call:      testCall(),
		Prices:    &fakeSource{entry: 1.0},
		Simulator: sim,
		Store:     store,
	})

	var bars []*domain.Bar
	bars = append(bars, flatBar(0, 1.0))
	bars = append(bars, flatBar(10, 12.0))
	for s := int64(70); s <= 600; s += 60 {
		bars = append(bars, flatBar(s, 11.0))
	}
	bars = append(bars, flatBar(3600, 3.0))

	o, err := e.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !o.Win || !o.Sustained || !o.TouchedTarget {
		t.Errorf("outcome = win=%t sustained=%t touched=%t, want all true", o.Win, o.Sustained, o.TouchedTarget)
	}
	if o.MaxMultiple != 12.0 {
		t.Errorf("max multiple = %f, want 12.0", o.MaxMultiple)
	}
	if sim.calls.Load() != 1 {
		t.Errorf("simulator calls = %d, want 1", sim.calls.Load())
	}

	stored, err := store.GetOutcome(context.Background(), testCall().CallID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if !stored.Win {
		t.Error("stored outcome must match the returned one")
	}
}

func TestReconcileIntraBarDipPreventsWin(t *testing.T) {
	e := testEngine(t, Options{
		Call:   testCall(),
		Prices: &fakeSource{entry: 1.0},
	})

	// Every bar closes above target, but each dips below inside the bar:
	// the dwell clock never accumulates.
	var bars []*domain.Bar
	for s := int64(60); s <= 1200; s += 60 {
		bars = append(bars, &domain.Bar{TimestampMs: sec(s), Open: 10.5, High: 11.0, Low: 9.5, Close: 10.5})
	}

	o, err := e.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if o.Win || o.Sustained {
		t.Errorf("outcome = win=%t sustained=%t, want both false", o.Win, o.Sustained)
	}
	if !o.TouchedTarget {
		t.Error("touched_target must reflect the intra-bar highs")
	}
}

func TestReconcileNoEntryPrice(t *testing.T) {
	store := memory.NewOutcomeStore()
	e := testEngine(t, Options{
		Call:   testCall(),
		Prices: &fakeSource{entryErr: pricing.ErrNoEntryPrice},
		Store:  store,
	})

	o, err := e.Reconcile(context.Background(), []*domain.Bar{flatBar(60, 50.0)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if o.Status != domain.LabelStatusUnlabeled {
		t.Errorf("status = %s, want UNLABELED", o.Status)
	}
}

func TestReconcileClipsToWindow(t *testing.T) {
	e := testEngine(t, Options{
		Call:   testCall(),
		Prices: &fakeSource{entry: 1.0},
	})

	bars := []*domain.Bar{
		flatBar(-60, 500.0),      // before T0
		flatBar(3600, 4.0),       // inside
		flatBar(25*3600, 1000.0), // after the deadline
	}

	o, err := e.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if o.MaxMultiple != 4.0 {
		t.Errorf("max multiple = %f, want only in-window bars counted", o.MaxMultiple)
	}
	if o.TouchedTarget {
		t.Error("out-of-window spikes must not touch the target")
	}
}

func TestReconcileUnsortedBars(t *testing.T) {
	sim := &fakeSimulator{executable: true}
	e := testEngine(t, Options{
		Call:      testCall(),
		Prices:    &fakeSource{entry: 1.0},
		Simulator: sim,
	})

	// Bars delivered out of order must still replay chronologically.
	bars := []*domain.Bar{
		flatBar(400, 11.0),
		flatBar(10, 11.0),
		flatBar(200, 11.0),
	}

	o, err := e.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !o.Win {
		t.Error("a continuous above-target run split across unsorted bars must still win")
	}
}

func TestReconcileMatchesLiveProcessing(t *testing.T) {
	cfg := DefaultConfig()
	path := []struct {
		s     int64
		price float64
	}{
		{0, 1.0}, {60, 5.0}, {120, 11.0}, {180, 10.5}, {240, 9.0},
		{300, 12.0}, {360, 11.5}, {420, 11.0}, {480, 10.5}, {540, 11.0},
		{600, 2.0},
	}

	// Live side: point samples through ProcessSample.
	live := testEngine(t, Options{
		Call:      testCall(),
		Config:    cfg,
		Simulator: &fakeSimulator{executable: true},
		Resume:    NewState(testCall(), 1.0, cfg, 0),
	})
	for _, p := range path {
		live.ProcessSample(context.Background(), point(p.s, p.price), "live")
	}
	liveState := live.State()

	// Batch side: the same path as flat bars through Reconcile.
	var bars []*domain.Bar
	for _, p := range path {
		bars = append(bars, flatBar(p.s, p.price))
	}
	batch := testEngine(t, Options{
		Call:      testCall(),
		Config:    cfg,
		Prices:    &fakeSource{entry: 1.0},
		Simulator: &fakeSimulator{executable: true},
	})
	o, err := batch.Reconcile(context.Background(), bars)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if liveState.Sustained != o.Sustained {
		t.Errorf("sustained diverged: live=%t batch=%t", liveState.Sustained, o.Sustained)
	}
	if liveState.TouchedTarget != o.TouchedTarget {
		t.Errorf("touched diverged: live=%t batch=%t", liveState.TouchedTarget, o.TouchedTarget)
	}
	if liveState.MaxPrice != o.MaxPrice {
		t.Errorf("max diverged: live=%f batch=%f", liveState.MaxPrice, o.MaxPrice)
	}
}
