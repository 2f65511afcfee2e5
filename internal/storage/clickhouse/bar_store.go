package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// observe records query latency and errors for one store operation.
// A rejected duplicate batch is caller misuse, not a query error.
func observe(operation string, start time.Time, err *error) {
	e := *err
	if errors.Is(e, storage.ErrDuplicateKey) {
		e = nil
	}
	observability.RecordDBQuery("clickhouse", operation, time.Since(start).Seconds(), e)
}

// InsertBulk adds bars for a call. Fails the entire batch on a duplicate
// (call_id, timestamp_ms). MergeTree does not enforce uniqueness, so
// duplicates are checked explicitly before the insert.
func (s *BarStore) InsertBulk(ctx context.Context, callID string, bars []*domain.Bar) (err error) {
	if callID == "" {
		return storage.ErrInvalidInput
	}
	if len(bars) == 0 {
		return nil
	}
	defer observe("insert_bars", time.Now(), &err)

	// Check for intra-batch duplicates
	seen := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		if b == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[b.TimestampMs]; exists {
			return storage.ErrDuplicateKey
		}
		seen[b.TimestampMs] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, b := range bars {
		exists, err := s.exists(ctx, callID, b.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_bars (
			call_id, timestamp_ms, open, high, low, close
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range bars {
		err = batch.Append(
			callID, uint64(b.TimestampMs),
			b.Open, b.High, b.Low, b.Close,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByCallID retrieves all bars for a call, ordered by timestamp ASC.
func (s *BarStore) GetByCallID(ctx context.Context, callID string) (_ []*domain.Bar, err error) {
	defer observe("get_bars", time.Now(), &err)

	query := `
		SELECT timestamp_ms, open, high, low, close
		FROM price_bars
		WHERE call_id = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("query by call id: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// GetByTimeRange retrieves bars for a call within [start, end] (inclusive).
func (s *BarStore) GetByTimeRange(ctx context.Context, callID string, start, end int64) (_ []*domain.Bar, err error) {
	defer observe("get_bars_range", time.Now(), &err)

	query := `
		SELECT timestamp_ms, open, high, low, close
		FROM price_bars
		WHERE call_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, callID, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// exists checks if a bar with the given key exists.
func (s *BarStore) exists(ctx context.Context, callID string, timestampMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM price_bars
		WHERE call_id = ? AND timestamp_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, callID, uint64(timestampMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// chRows abstracts driver.Rows for scanning.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanBars scans multiple rows.
func scanBars(rows chRows) ([]*domain.Bar, error) {
	var bars []*domain.Bar

	for rows.Next() {
		var b domain.Bar
		var timestampMs uint64

		err := rows.Scan(&timestampMs, &b.Open, &b.High, &b.Low, &b.Close)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		b.TimestampMs = int64(timestampMs)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}
