// Package memory provides in-memory storage implementations, used in tests
// and for running the tracker without external databases.
package memory

import (
	"context"
	"sort"
	"sync"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/storage"
)

// OutcomeStore is an in-memory implementation of storage.OutcomeStore.
type OutcomeStore struct {
	mu       sync.RWMutex
	states   map[string]*domain.MonitorState
	outcomes map[string]*domain.Outcome
}

// NewOutcomeStore creates a new in-memory outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{
		states:   make(map[string]*domain.MonitorState),
		outcomes: make(map[string]*domain.Outcome),
	}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

// UpsertState writes the current monitor state for a call.
func (s *OutcomeStore) UpsertState(ctx context.Context, st *domain.MonitorState) error {
	if st == nil || st.CallID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.CallID] = st.Clone()
	return nil
}

// GetState retrieves the persisted monitor state for a call.
func (s *OutcomeStore) GetState(ctx context.Context, callID string) (*domain.MonitorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[callID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

// LoadActiveStates retrieves all non-finalized monitor states, ordered by
// t0 ASC.
func (s *OutcomeStore) LoadActiveStates(ctx context.Context) ([]*domain.MonitorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*domain.MonitorState
	for _, st := range s.states {
		if !st.Phase.IsTerminal() {
			active = append(active, st.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].T0 < active[j].T0 })
	return active, nil
}

// Finalize writes the terminal outcome for a call. Idempotent: an existing
// terminal record is left unchanged.
func (s *OutcomeStore) Finalize(ctx context.Context, o *domain.Outcome) error {
	if o == nil || o.CallID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outcomes[o.CallID]; exists {
		return nil
	}
	cp := *o
	s.outcomes[o.CallID] = &cp
	return nil
}

// GetOutcome retrieves the terminal outcome for a call.
func (s *OutcomeStore) GetOutcome(ctx context.Context, callID string) (*domain.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.outcomes[callID]; ok {
		cp := *o
		return &cp, nil
	}
	if _, ok := s.states[callID]; ok {
		return nil, storage.ErrPending
	}
	return nil, storage.ErrNotFound
}
