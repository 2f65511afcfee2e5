package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using PostgreSQL.
type OutcomeStore struct {
	pool *Pool
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(pool *Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

// observe records query latency and errors for one store operation.
// Expected misses (not found, pending) are not query errors.
func observe(operation string, start time.Time, err *error) {
	e := *err
	if errors.Is(e, storage.ErrNotFound) || errors.Is(e, storage.ErrPending) {
		e = nil
	}
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), e)
}

// UpsertState writes the current monitor state for a call, overwriting any
// previous snapshot.
func (s *OutcomeStore) UpsertState(ctx context.Context, st *domain.MonitorState) (err error) {
	if st == nil || st.CallID == "" {
		return storage.ErrInvalidInput
	}
	defer observe("upsert_state", time.Now(), &err)

	query := `
		INSERT INTO monitor_state (
			call_id, mint, t0, entry_price, target_price, max_price,
			above_since, exec_tested_period, touched_target, execution_tested,
			sustained, sustained_since, phase, window_deadline, last_sample_ms, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (call_id) DO UPDATE SET
			max_price = EXCLUDED.max_price,
			above_since = EXCLUDED.above_since,
			exec_tested_period = EXCLUDED.exec_tested_period,
			touched_target = EXCLUDED.touched_target,
			execution_tested = EXCLUDED.execution_tested,
			sustained = EXCLUDED.sustained,
			sustained_since = EXCLUDED.sustained_since,
			phase = EXCLUDED.phase,
			last_sample_ms = EXCLUDED.last_sample_ms,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.pool.Exec(ctx, query,
		st.CallID,
		st.Mint,
		st.T0,
		st.EntryPrice,
		st.TargetPrice,
		st.MaxPrice,
		st.AboveSince,
		st.ExecTestedPeriod,
		st.TouchedTarget,
		st.ExecutionTested,
		st.Sustained,
		st.SustainedSince,
		string(st.Phase),
		st.WindowDeadline,
		st.LastSampleMs,
		st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert monitor state: %w", err)
	}
	return nil
}

// GetState retrieves the persisted monitor state for a call.
func (s *OutcomeStore) GetState(ctx context.Context, callID string) (_ *domain.MonitorState, err error) {
	defer observe("get_state", time.Now(), &err)

	query := `
		SELECT call_id, mint, t0, entry_price, target_price, max_price,
			above_since, exec_tested_period, touched_target, execution_tested,
			sustained, sustained_since, phase, window_deadline, last_sample_ms, updated_at
		FROM monitor_state
		WHERE call_id = $1
	`

	row := s.pool.QueryRow(ctx, query, callID)
	st, err := scanState(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get monitor state: %w", err)
	}
	return st, nil
}

// LoadActiveStates retrieves all non-finalized monitor states, ordered by t0 ASC.
func (s *OutcomeStore) LoadActiveStates(ctx context.Context) (_ []*domain.MonitorState, err error) {
	defer observe("load_active_states", time.Now(), &err)

	query := `
		SELECT call_id, mint, t0, entry_price, target_price, max_price,
			above_since, exec_tested_period, touched_target, execution_tested,
			sustained, sustained_since, phase, window_deadline, last_sample_ms, updated_at
		FROM monitor_state
		WHERE phase <> $1
		ORDER BY t0 ASC, call_id ASC
	`

	rows, err := s.pool.Query(ctx, query, string(domain.PhaseFinalized))
	if err != nil {
		return nil, fmt.Errorf("load active states: %w", err)
	}
	defer rows.Close()

	var states []*domain.MonitorState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitor state rows: %w", err)
	}
	return states, nil
}

// Finalize writes the terminal outcome for a call. Idempotent: an existing
// record is left unchanged, and the monitor state row is marked finalized.
// Both writes commit in one transaction so a crash cannot leave an outcome
// whose state row still looks active.
func (s *OutcomeStore) Finalize(ctx context.Context, o *domain.Outcome) (err error) {
	if o == nil || o.CallID == "" {
		return storage.ErrInvalidInput
	}
	defer observe("finalize", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO outcomes_24h (
			call_id, entry_price, max_price, max_multiple,
			touched_target, sustained, win, status, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err = tx.Exec(ctx, query,
		o.CallID,
		o.EntryPrice,
		o.MaxPrice,
		o.MaxMultiple,
		o.TouchedTarget,
		o.Sustained,
		o.Win,
		string(o.Status),
		o.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	// Terminal marker on the state row so restarts skip this call.
	_, err = tx.Exec(ctx,
		`UPDATE monitor_state SET phase = $1, updated_at = $2 WHERE call_id = $3`,
		string(domain.PhaseFinalized), o.FinalizedAt, o.CallID,
	)
	if err != nil {
		return fmt.Errorf("mark state finalized: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetOutcome retrieves the terminal outcome for a call.
func (s *OutcomeStore) GetOutcome(ctx context.Context, callID string) (_ *domain.Outcome, err error) {
	defer observe("get_outcome", time.Now(), &err)

	query := `
		SELECT call_id, entry_price, max_price, max_multiple,
			touched_target, sustained, win, status, finalized_at
		FROM outcomes_24h
		WHERE call_id = $1
	`

	var o domain.Outcome
	var statusStr string
	err = s.pool.QueryRow(ctx, query, callID).Scan(
		&o.CallID,
		&o.EntryPrice,
		&o.MaxPrice,
		&o.MaxMultiple,
		&o.TouchedTarget,
		&o.Sustained,
		&o.Win,
		&statusStr,
		&o.FinalizedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			// A known but unfinished call reports pending.
			var exists bool
			checkErr := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM monitor_state WHERE call_id = $1)`, callID,
			).Scan(&exists)
			if checkErr != nil {
				return nil, fmt.Errorf("check monitor state: %w", checkErr)
			}
			if exists {
				return nil, storage.ErrPending
			}
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}

	o.Status = domain.LabelStatus(statusStr)
	return &o, nil
}

// scanState scans a single row into a MonitorState.
func scanState(row pgx.Row) (*domain.MonitorState, error) {
	var st domain.MonitorState
	var phaseStr string

	err := row.Scan(
		&st.CallID,
		&st.Mint,
		&st.T0,
		&st.EntryPrice,
		&st.TargetPrice,
		&st.MaxPrice,
		&st.AboveSince,
		&st.ExecTestedPeriod,
		&st.TouchedTarget,
		&st.ExecutionTested,
		&st.Sustained,
		&st.SustainedSince,
		&phaseStr,
		&st.WindowDeadline,
		&st.LastSampleMs,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Phase = domain.Phase(phaseStr)
	return &st, nil
}
