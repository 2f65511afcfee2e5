// Package supervisor owns the registry of monitored calls. It routes each
// submitted call to live monitoring or retrospective reconciliation, caps
// concurrent live monitors, and resumes persisted monitors after a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/execution"
	"token-outcome-lab/internal/label"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/pricing"
	"token-outcome-lab/internal/storage"
)

// Default configuration values.
const (
	DefaultMaxActive   = 64
	DefaultSubmitDepth = 256
	DefaultRecentSize  = 100

	// resubmitDelay spaces out retries for calls whose engine failed on a
	// transient error.
	resubmitDelay = 30 * time.Second
)

// ErrAlreadyTracked is returned when a submitted call is already in the
// registry or has a terminal record.
var ErrAlreadyTracked = errors.New("call already tracked")

// ErrSubmitOverflow is returned when the submission queue is full.
var ErrSubmitOverflow = errors.New("submission queue full")

// Options configures a Supervisor.
type Options struct {
	Config    label.Config
	Prices    pricing.Source
	Simulator execution.Simulator
	Store     storage.OutcomeStore

	// Bars, when set, archives fetched history and serves reconciliation
	// without refetching.
	Bars storage.BarStore

	// MaxActive caps concurrent live monitors. Defaults to 64.
	MaxActive int

	// Logger defaults to the standard logger.
	Logger *log.Logger

	// Now defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

// mintSubscriber is implemented by price sources that keep per-mint
// streaming subscriptions (pricing.StreamSource). Plain HTTP sources do
// not, and the supervisor leaves them alone.
type mintSubscriber interface {
	Subscribe(mint string) error
	Unsubscribe(mint string)
}

// result carries one engine's completion back to the supervisor loop.
type result struct {
	call    domain.Call
	live    bool
	outcome *domain.Outcome
	err     error
}

// Supervisor coordinates engines for all tracked calls.
type Supervisor struct {
	cfg       label.Config
	prices    pricing.Source
	sim       execution.Simulator
	store     storage.OutcomeStore
	bars      storage.BarStore
	maxActive int
	logger    *log.Logger
	now       func() time.Time

	submitCh chan domain.Call
	doneCh   chan result

	mu        sync.Mutex
	known     map[string]struct{}
	active    map[string]struct{}
	subs      map[string]int
	queued    []domain.Call
	recent    []*domain.Outcome
	finalized int
	wins      int
	losses    int
	unlabeled int

	wg sync.WaitGroup
}

// New creates a supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Prices == nil {
		return nil, fmt.Errorf("supervisor: price source required")
	}
	if opts.Simulator == nil {
		return nil, fmt.Errorf("supervisor: execution simulator required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("supervisor: outcome store required")
	}

	maxActive := opts.MaxActive
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Supervisor{
		cfg:       opts.Config,
		prices:    opts.Prices,
		sim:       opts.Simulator,
		store:     opts.Store,
		bars:      opts.Bars,
		maxActive: maxActive,
		logger:    logger,
		now:       now,
		submitCh:  make(chan domain.Call, DefaultSubmitDepth),
		doneCh:    make(chan result, DefaultSubmitDepth),
		known:     make(map[string]struct{}),
		active:    make(map[string]struct{}),
		subs:      make(map[string]int),
	}, nil
}

// Submit hands a call to the supervisor. Duplicate submissions for a call
// already tracked or already finalized return ErrAlreadyTracked.
func (s *Supervisor) Submit(ctx context.Context, call domain.Call) error {
	if call.CallID == "" || call.Mint == "" || call.T0 <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	_, tracked := s.known[call.CallID]
	s.mu.Unlock()
	if tracked {
		return ErrAlreadyTracked
	}

	if _, err := s.store.GetOutcome(ctx, call.CallID); err == nil {
		return ErrAlreadyTracked
	}

	select {
	case s.submitCh <- call:
		return nil
	default:
		return ErrSubmitOverflow
	}
}

// Run resumes persisted monitors, then processes submissions and engine
// completions until the context is cancelled. On shutdown it waits for all
// engines to flush their state.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[supervisor] shutting down, waiting for %d monitors", s.activeCount())
			s.wg.Wait()
			s.drainDone()
			return ctx.Err()
		case call := <-s.submitCh:
			s.route(ctx, call, nil)
		case res := <-s.doneCh:
			s.recordDone(res)
			s.promote(ctx)
		}
	}
}

// drainDone records completions still buffered after the engines stopped.
func (s *Supervisor) drainDone() {
	for {
		select {
		case res := <-s.doneCh:
			s.recordDone(res)
		default:
			return
		}
	}
}

// resume reloads all non-terminal monitor states from the store and routes
// each one again: still-open windows go back to live monitoring, windows
// that elapsed while the process was down are reconciled from history.
func (s *Supervisor) resume(ctx context.Context) error {
	states, err := s.store.LoadActiveStates(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: load active states: %w", err)
	}
	if len(states) == 0 {
		return nil
	}

	s.logger.Printf("[supervisor] resuming %d monitors", len(states))
	for _, st := range states {
		call := domain.Call{CallID: st.CallID, Mint: st.Mint, T0: st.T0}
		s.route(ctx, call, st)
	}
	return nil
}

// route decides how a call is processed. Elapsed windows go to
// reconciliation, open windows to live monitoring. Both occupy a slot, so
// a restart with a large elapsed backlog cannot burst the price provider;
// calls beyond the cap wait in FIFO order.
func (s *Supervisor) route(ctx context.Context, call domain.Call, resume *domain.MonitorState) {
	if ctx.Err() != nil {
		// Shutting down. Persisted monitors resume on the next start.
		return
	}

	s.mu.Lock()
	s.known[call.CallID] = struct{}{}

	horizonMs := s.cfg.Horizon.Milliseconds()
	if horizonMs <= 0 {
		horizonMs = label.DefaultHorizon.Milliseconds()
	}
	elapsed := s.now().UnixMilli() >= call.T0+horizonMs

	if len(s.active) >= s.maxActive {
		s.queued = append(s.queued, call)
		queued := len(s.queued)
		s.mu.Unlock()
		observability.UpdateMonitorCounts(s.activeCount(), queued)
		s.logger.Printf("[supervisor] queued call=%s (%d waiting)", call.CallID, queued)
		return
	}

	s.active[call.CallID] = struct{}{}
	s.mu.Unlock()

	if elapsed {
		s.startReconcile(ctx, call, resume)
		return
	}
	s.startLive(ctx, call, resume)
}

// startLive launches a live monitoring engine. When the price source
// streams, the call's mint is subscribed for the monitor's lifetime so
// polls are served from streamed ticks instead of HTTP round trips.
func (s *Supervisor) startLive(ctx context.Context, call domain.Call, resume *domain.MonitorState) {
	s.subscribeMint(call.Mint)
	observability.UpdateMonitorCounts(s.activeCount(), s.queuedCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		engine, err := label.NewEngine(label.Options{
			Call:      call,
			Config:    s.cfg,
			Prices:    s.prices,
			Simulator: s.sim,
			Store:     s.store,
			Logger:    s.logger,
			Now:       s.now,
			Resume:    resume,
		})
		if err != nil {
			s.report(result{call: call, live: true, err: err})
			return
		}

		outcome, err := engine.Run(ctx)
		s.report(result{call: call, live: true, outcome: outcome, err: err})
	}()
}

// startReconcile launches a one-shot retrospective labeling run.
func (s *Supervisor) startReconcile(ctx context.Context, call domain.Call, resume *domain.MonitorState) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome, err := s.reconcile(ctx, call, resume)
		s.report(result{call: call, outcome: outcome, err: err})
	}()
}

// reconcile labels one elapsed call from archived or freshly fetched bars.
func (s *Supervisor) reconcile(ctx context.Context, call domain.Call, resume *domain.MonitorState) (*domain.Outcome, error) {
	engine, err := label.NewEngine(label.Options{
		Call:      call,
		Config:    s.cfg,
		Prices:    s.prices,
		Simulator: s.sim,
		Store:     s.store,
		Logger:    s.logger,
		Now:       s.now,
		Resume:    resume,
	})
	if err != nil {
		return nil, err
	}

	bars, err := s.loadBars(ctx, call)
	if err != nil {
		return nil, err
	}
	return engine.Reconcile(ctx, bars)
}

// loadBars serves the call's window from the archive when possible, else
// fetches from the price provider and archives the result.
func (s *Supervisor) loadBars(ctx context.Context, call domain.Call) ([]*domain.Bar, error) {
	horizonMs := s.cfg.Horizon.Milliseconds()
	if horizonMs <= 0 {
		horizonMs = label.DefaultHorizon.Milliseconds()
	}
	deadline := call.T0 + horizonMs

	if s.bars != nil {
		archived, err := s.bars.GetByTimeRange(ctx, call.CallID, call.T0, deadline)
		if err == nil && len(archived) > 0 {
			return archived, nil
		}
	}

	fetched, err := s.prices.Bars(ctx, call.Mint, call.T0, deadline, "1m")
	if err != nil {
		if errors.Is(err, pricing.ErrNoBars) {
			// No history at all labels the same as no entry price would.
			return nil, nil
		}
		return nil, fmt.Errorf("fetch bars for %s: %w", call.CallID, err)
	}

	if s.bars != nil {
		if err := s.bars.InsertBulk(ctx, call.CallID, fetched); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			s.logger.Printf("[supervisor] bar archive failed call=%s: %v", call.CallID, err)
		}
	}
	return fetched, nil
}

// report delivers a completion to the supervisor loop without blocking the
// engine goroutine.
func (s *Supervisor) report(res result) {
	select {
	case s.doneCh <- res:
	default:
		// The loop is saturated or shutting down; record the completion
		// inline. The freed slot is filled on the loop's next event.
		s.recordDone(res)
	}
}

// recordDone frees the call's slot and records the outcome. Queued calls
// are promoted separately, by the Run loop only.
func (s *Supervisor) recordDone(res result) {
	if res.live {
		s.unsubscribeMint(res.call.Mint)
	}

	s.mu.Lock()
	delete(s.active, res.call.CallID)

	if res.outcome != nil {
		s.finalized++
		switch {
		case res.outcome.Status == domain.LabelStatusUnlabeled:
			s.unlabeled++
		case res.outcome.Win:
			s.wins++
		default:
			s.losses++
		}
		s.recent = append(s.recent, res.outcome)
		if len(s.recent) > DefaultRecentSize {
			s.recent = s.recent[len(s.recent)-DefaultRecentSize:]
		}
	}

	if res.err != nil && res.outcome == nil {
		// Transient failure: the call stays known and retries later.
		delete(s.known, res.call.CallID)
	}
	s.mu.Unlock()

	observability.UpdateMonitorCounts(s.activeCount(), s.queuedCount())

	if res.err != nil && !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, context.DeadlineExceeded) {
		s.logger.Printf("[supervisor] monitor failed call=%s: %v", res.call.CallID, res.err)
		if res.outcome == nil {
			call := res.call
			time.AfterFunc(resubmitDelay, func() {
				select {
				case s.submitCh <- call:
				default:
				}
			})
		}
	}
}

// promote fills freed slots from the wait queue. Only the Run loop
// promotes, with the loop's context, so a promoted engine is always
// cancelled on shutdown.
func (s *Supervisor) promote(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queued) == 0 || len(s.active) >= s.maxActive {
			s.mu.Unlock()
			return
		}
		call := s.queued[0]
		s.queued = s.queued[1:]
		s.mu.Unlock()

		s.route(ctx, call, nil)
	}
}

// subscribeMint opens a streamed price subscription for a mint, counting
// monitors so two calls on the same mint share one subscription.
func (s *Supervisor) subscribeMint(mint string) {
	sub, ok := s.prices.(mintSubscriber)
	if !ok {
		return
	}

	s.mu.Lock()
	s.subs[mint]++
	first := s.subs[mint] == 1
	s.mu.Unlock()

	if first {
		if err := sub.Subscribe(mint); err != nil {
			// Polls fall back to HTTP until a reconnect resubscribes.
			s.logger.Printf("[supervisor] stream subscribe failed mint=%s: %v", mint, err)
		}
	}
}

// unsubscribeMint drops a mint's subscription once its last monitor ends.
func (s *Supervisor) unsubscribeMint(mint string) {
	sub, ok := s.prices.(mintSubscriber)
	if !ok {
		return
	}

	s.mu.Lock()
	n := s.subs[mint]
	if n <= 1 {
		delete(s.subs, mint)
	} else {
		s.subs[mint] = n - 1
	}
	s.mu.Unlock()

	if n == 1 {
		sub.Unsubscribe(mint)
	}
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Active    int               `json:"active"`
	Queued    int               `json:"queued"`
	Finalized int               `json:"finalized"`
	Wins      int               `json:"wins"`
	Losses    int               `json:"losses"`
	Unlabeled int               `json:"unlabeled"`
	Recent    []*domain.Outcome `json:"recent"`
}

// Snapshot returns current registry statistics.
func (s *Supervisor) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := make([]*domain.Outcome, len(s.recent))
	copy(recent, s.recent)

	return Stats{
		Active:    len(s.active),
		Queued:    len(s.queued),
		Finalized: s.finalized,
		Wins:      s.wins,
		Losses:    s.losses,
		Unlabeled: s.unlabeled,
		Recent:    recent,
	}
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Supervisor) queuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}
