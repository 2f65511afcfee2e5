package memory

import (
	"context"
	"sort"
	"sync"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	bars map[string][]*domain.Bar
	seen map[string]map[int64]struct{}
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		bars: make(map[string][]*domain.Bar),
		seen: make(map[string]map[int64]struct{}),
	}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// InsertBulk adds bars for a call. The whole batch is rejected when any
// (call_id, timestamp_ms) already exists.
func (s *BarStore) InsertBulk(ctx context.Context, callID string, bars []*domain.Bar) error {
	if callID == "" {
		return storage.ErrInvalidInput
	}
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.seen[callID]
	if seen == nil {
		seen = make(map[int64]struct{})
		s.seen[callID] = seen
	}

	for _, b := range bars {
		if b == nil {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[b.TimestampMs]; dup {
			return storage.ErrDuplicateKey
		}
	}

	for _, b := range bars {
		cp := *b
		s.bars[callID] = append(s.bars[callID], &cp)
		seen[b.TimestampMs] = struct{}{}
	}
	sort.Slice(s.bars[callID], func(i, j int) bool {
		return s.bars[callID][i].TimestampMs < s.bars[callID][j].TimestampMs
	})
	return nil
}

// GetByCallID retrieves all bars for a call, ordered by timestamp ASC.
func (s *BarStore) GetByCallID(ctx context.Context, callID string) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.bars[callID]
	out := make([]*domain.Bar, 0, len(stored))
	for _, b := range stored {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// GetByTimeRange retrieves bars for a call within [start, end] inclusive,
// ordered by timestamp ASC.
func (s *BarStore) GetByTimeRange(ctx context.Context, callID string, start, end int64) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Bar
	for _, b := range s.bars[callID] {
		if b.TimestampMs >= start && b.TimestampMs <= end {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}
