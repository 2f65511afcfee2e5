// Package execution confirms that a price level is actually exitable by
// simulating the round-trip cost of entering and leaving a position.
package execution

import (
	"context"
	"errors"

	"token-outcome-lab/internal/domain"
)

// Simulator estimates the cost of a two-leg (buy then sell) round trip.
type Simulator interface {
	// RoundTrip quotes buying notionalSOL worth of mint and selling the
	// exact amount received back. The report is Executable when the
	// effective cost is within maxSlippage (a fraction, e.g. 0.15).
	// Returns ErrUnavailable on transient provider failures.
	RoundTrip(ctx context.Context, mint string, notionalSOL, maxSlippage float64) (*domain.ExecutionReport, error)
}

// ErrUnavailable is a transient quote-provider failure. A retried-out
// failure counts as a failed execution test, not a fatal error.
var ErrUnavailable = errors.New("execution simulator unavailable")

// IsTransient reports whether a simulator error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
