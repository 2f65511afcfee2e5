package storage

import (
	"context"

	"token-outcome-lab/internal/domain"
)

// OutcomeStore is the durable record of in-progress and finalized labels.
// All writes are keyed by call_id and are upserts, so they are safe to
// retry and safe under supervisor-restart replay.
type OutcomeStore interface {
	// UpsertState writes the current monitor state for a call,
	// overwriting any previous snapshot.
	UpsertState(ctx context.Context, st *domain.MonitorState) error

	// GetState retrieves the persisted monitor state for a call.
	// Returns ErrNotFound if the call was never monitored.
	GetState(ctx context.Context, callID string) (*domain.MonitorState, error)

	// LoadActiveStates retrieves all non-finalized monitor states,
	// ordered by t0 ASC. Used to resume monitoring after restart.
	LoadActiveStates(ctx context.Context) ([]*domain.MonitorState, error)

	// Finalize writes the terminal outcome for a call. Idempotent: if a
	// terminal record already exists the call is a no-op and the stored
	// record is left unchanged.
	Finalize(ctx context.Context, o *domain.Outcome) error

	// GetOutcome retrieves the terminal outcome for a call. Returns
	// ErrPending if the call is known but not finalized, ErrNotFound if
	// the call is unknown.
	GetOutcome(ctx context.Context, callID string) (*domain.Outcome, error)
}

// BarStore archives historical OHLC bars per call so retrospective
// labeling can be re-run without refetching from the price provider.
type BarStore interface {
	// InsertBulk adds bars for a call. Returns ErrDuplicateKey if any
	// (call_id, timestamp_ms) already exists.
	InsertBulk(ctx context.Context, callID string, bars []*domain.Bar) error

	// GetByCallID retrieves all bars for a call, ordered by timestamp ASC.
	GetByCallID(ctx context.Context, callID string) ([]*domain.Bar, error)

	// GetByTimeRange retrieves bars for a call within [start, end] ms
	// (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, callID string, start, end int64) ([]*domain.Bar, error)
}
