// Package pricing provides access to token price data: live spot prices,
// entry prices at a call's T0, and historical OHLC bars.
package pricing

import (
	"context"
	"errors"

	"token-outcome-lab/internal/domain"
)

// Source supplies price data for monitored tokens.
type Source interface {
	// EntryPrice resolves the entry price baseline for a call: the open
	// of the 1m bar spanning T0, or the earliest reliable price after T0.
	// Returns ErrNoEntryPrice when no baseline can be established.
	EntryPrice(ctx context.Context, call domain.Call) (float64, error)

	// CurrentPrice returns the latest spot price for a mint.
	// Returns ErrUnavailable on transient provider failures.
	CurrentPrice(ctx context.Context, mint string) (float64, error)

	// Bars returns OHLC bars for a mint within [fromMs, toMs], ordered by
	// timestamp ASC. Interval is a provider interval string such as "1m".
	Bars(ctx context.Context, mint string, fromMs, toMs int64, interval string) ([]*domain.Bar, error)
}

// Pricing errors.
var (
	// ErrNoEntryPrice means no entry baseline exists for a call. Fatal to
	// the call: it is finalized unlabeled and never retried.
	ErrNoEntryPrice = errors.New("no entry price available")

	// ErrUnavailable is a transient provider failure. The caller retries
	// with backoff and then skips the sample.
	ErrUnavailable = errors.New("price unavailable")

	// ErrNoBars means the provider has no historical bars for the window.
	ErrNoBars = errors.New("no historical bars available")
)

// IsTransient reports whether a pricing error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
