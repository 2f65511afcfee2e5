package domain

// MonitorState is the mutable tracking state for one call while its window
// is open. It is owned exclusively by the engine monitoring the call and
// persisted incrementally to the monitor_state table.
type MonitorState struct {
	CallID string
	Mint   string
	T0     int64 // entry timestamp (ms)

	EntryPrice  float64
	TargetPrice float64 // EntryPrice * target multiple
	MaxPrice    float64 // highest price seen, never below EntryPrice

	// AboveSince is the timestamp (ms) the price most recently and
	// continuously crossed above TargetPrice, nil while below target.
	// A single sample below target clears it.
	AboveSince *int64

	// ExecTestedPeriod records the AboveSince value of the above-target
	// period for which the execution simulator has already been invoked.
	// The simulator is never invoked twice for the same period.
	ExecTestedPeriod *int64

	TouchedTarget   bool
	ExecutionTested bool
	Sustained       bool
	SustainedSince  *int64 // period start that confirmed the win (ms)

	Phase          Phase
	WindowDeadline int64 // T0 + horizon (ms)
	LastSampleMs   int64
	UpdatedAt      int64 // ms

	// Recent holds the samples needed to re-derive AboveSince, bounded to
	// slightly more than the dwell window. Not persisted.
	Recent []Sample
}

// Clone returns a deep copy of the state.
func (st *MonitorState) Clone() *MonitorState {
	cp := *st
	if st.AboveSince != nil {
		v := *st.AboveSince
		cp.AboveSince = &v
	}
	if st.ExecTestedPeriod != nil {
		v := *st.ExecTestedPeriod
		cp.ExecTestedPeriod = &v
	}
	if st.SustainedSince != nil {
		v := *st.SustainedSince
		cp.SustainedSince = &v
	}
	cp.Recent = append([]Sample(nil), st.Recent...)
	return &cp
}
