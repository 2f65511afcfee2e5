package label

import (
	"context"
	"fmt"
	"sort"

	"token-outcome-lab/internal/domain"
)

// Reconcile labels a call retrospectively from historical bars. The bars
// run through the same state machine as live samples, with each bar's high
// and low standing in for the intra-bar path, so a dip inside one bar still
// resets the dwell clock. Execution tests run against current routing; a
// token that has since lost its liquidity fails the test it would likely
// have failed live.
//
// Bars outside [T0, deadline] are ignored. The window is assumed elapsed:
// the outcome is finalized as soon as the bars are consumed.
func (e *Engine) Reconcile(ctx context.Context, bars []*domain.Bar) (*domain.Outcome, error) {
	if err := e.init(ctx); err != nil {
		return e.outcome, err
	}
	if e.outcome != nil {
		return e.outcome, nil
	}

	sorted := append([]*domain.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	for _, b := range sorted {
		if b.TimestampMs < e.st.T0 || b.TimestampMs > e.st.WindowDeadline {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.flushState()
			return nil, fmt.Errorf("reconcile %s: %w", e.call.CallID, err)
		}
		e.ProcessSample(ctx, b.Sample(), "replay")
	}

	return e.finalize(ctx), nil
}
