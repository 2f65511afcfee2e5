package label

import (
	"token-outcome-lab/internal/domain"
)

// Transition summarizes what one sample did to the state. The engine uses
// it to decide side effects (execution test, persistence) that Apply itself
// never performs.
type Transition struct {
	// TouchedNow is true when this sample reached the target for the first
	// time in the call's life.
	TouchedNow bool

	// CrossedNow is true when this sample started a new above-target period.
	CrossedNow bool

	// Reset is true when this sample dipped below target and cleared the
	// running above-target period.
	Reset bool

	// NeedExecutionTest is true when the dwell requirement is met for a
	// period that has not had its execution test yet.
	NeedExecutionTest bool

	// PeriodStart is the start (ms) of the period that needs the execution
	// test. Only meaningful when NeedExecutionTest is set.
	PeriodStart int64

	// Expired is true when the sample fell outside the monitoring window
	// and was ignored.
	Expired bool

	// Stale is true when the sample was ignored: older than one already
	// processed, or arriving after finalization.
	Stale bool
}

// NewState initializes tracking state for a call from its entry price.
func NewState(call domain.Call, entryPrice float64, cfg Config, nowMs int64) *domain.MonitorState {
	cfg = cfg.withDefaults()
	return &domain.MonitorState{
		CallID:         call.CallID,
		Mint:           call.Mint,
		T0:             call.T0,
		EntryPrice:     entryPrice,
		TargetPrice:    entryPrice * cfg.TargetMultiple,
		MaxPrice:       entryPrice,
		Phase:          domain.PhaseActive,
		WindowDeadline: call.T0 + cfg.Horizon.Milliseconds(),
		UpdatedAt:      nowMs,
	}
}

// Apply advances the state by one sample. It is pure with respect to the
// outside world: the only mutation is the state itself, and the same
// sequence of samples always produces the same final state, whether the
// samples arrive live or from historical bars.
//
// Within one sample the order is fixed: the high drives crossing and max
// tracking, the dwell check runs against the period as it stood through the
// high, and only then does the low reset the period. A bar that spikes
// through the target and dips back in the same minute therefore starts and
// loses its period without ever satisfying dwell.
func Apply(st *domain.MonitorState, cfg Config, s domain.Sample) Transition {
	cfg = cfg.withDefaults()
	var tr Transition

	if st.Phase.IsTerminal() {
		tr.Stale = true
		return tr
	}
	if s.TimestampMs > st.WindowDeadline {
		tr.Expired = true
		return tr
	}
	if s.TimestampMs < st.LastSampleMs {
		tr.Stale = true
		return tr
	}

	high := s.High
	if s.Price > high {
		high = s.Price
	}
	low := s.Low
	if low <= 0 || s.Price < low {
		low = s.Price
	}

	// Max tracking continues through the whole window, even after the
	// label is already decided.
	if high > st.MaxPrice {
		st.MaxPrice = high
	}

	if high >= st.TargetPrice {
		if !st.TouchedTarget {
			st.TouchedTarget = true
			tr.TouchedNow = true
		}
		if st.AboveSince == nil {
			ts := s.TimestampMs
			st.AboveSince = &ts
			tr.CrossedNow = true
		}
	}

	// Dwell is judged before the low can clear the period, so a bar whose
	// range dips below target can still confirm a dwell that completed at
	// the bar boundary. A sample that never reached the target confirms
	// nothing: the run broke before this timestamp.
	if !st.Sustained && st.AboveSince != nil && high >= st.TargetPrice {
		elapsed := s.TimestampMs - *st.AboveSince
		if elapsed >= cfg.Dwell.Milliseconds() {
			if st.ExecTestedPeriod == nil || *st.ExecTestedPeriod != *st.AboveSince {
				tr.NeedExecutionTest = true
				tr.PeriodStart = *st.AboveSince
			}
		}
	}

	// Hard hysteresis: any dip below target restarts the clock. A period
	// started by this same sample dies here too.
	if low < st.TargetPrice && st.AboveSince != nil {
		st.AboveSince = nil
		tr.Reset = true
	}

	st.LastSampleMs = s.TimestampMs
	st.Recent = appendRecent(st.Recent, s, cfg.RecentWindow.Milliseconds())
	return tr
}

// RecordExecutionResult latches the execution test outcome for the
// above-target period that started at periodStart. A passing test locks the
// sustained flag for good; a failing test leaves the call active, and only
// a fresh period after a reset earns another test.
func RecordExecutionResult(st *domain.MonitorState, periodStart int64, executable bool, nowMs int64) {
	p := periodStart
	st.ExecTestedPeriod = &p
	st.ExecutionTested = true
	st.Phase = domain.PhaseActive

	if executable && !st.Sustained {
		st.Sustained = true
		st.SustainedSince = &p
	}
	st.UpdatedAt = nowMs
}

// Finalize closes the window and produces the terminal labeled outcome.
func Finalize(st *domain.MonitorState, nowMs int64) *domain.Outcome {
	st.Phase = domain.PhaseFinalized
	st.UpdatedAt = nowMs

	maxMultiple := 0.0
	if st.EntryPrice > 0 {
		maxMultiple = st.MaxPrice / st.EntryPrice
	}

	return &domain.Outcome{
		CallID:        st.CallID,
		EntryPrice:    st.EntryPrice,
		MaxPrice:      st.MaxPrice,
		MaxMultiple:   maxMultiple,
		TouchedTarget: st.TouchedTarget,
		Sustained:     st.Sustained,
		Win:           st.Sustained,
		Status:        domain.LabelStatusLabeled,
		FinalizedAt:   nowMs,
	}
}

// UnlabeledOutcome produces the terminal record for a call that could not
// be labeled because no entry price baseline exists.
func UnlabeledOutcome(call domain.Call, nowMs int64) *domain.Outcome {
	return &domain.Outcome{
		CallID:      call.CallID,
		Status:      domain.LabelStatusUnlabeled,
		FinalizedAt: nowMs,
	}
}

// appendRecent appends s and drops samples older than windowMs behind it.
func appendRecent(recent []domain.Sample, s domain.Sample, windowMs int64) []domain.Sample {
	recent = append(recent, s)
	cutoff := s.TimestampMs - windowMs
	i := 0
	for i < len(recent) && recent[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		recent = append(recent[:0], recent[i:]...)
	}
	return recent
}
