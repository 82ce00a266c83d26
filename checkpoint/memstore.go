package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.RWMutex
	chain map[string]map[uint64]*Checkpoint
	heads map[string]uint64

	// FailAppends makes every Append fail, for testing the engine's
	// cannot-record-progress path.
	FailAppends bool
}

// NewMemStore creates an empty in-memory checkpoint store.
func NewMemStore() *MemStore {
	return &MemStore{
		chain: make(map[string]map[uint64]*Checkpoint),
		heads: make(map[string]uint64),
	}
}

// Append stores a checkpoint and advances the head.
func (s *MemStore) Append(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends {
		return fmt.Errorf("checkpoint store unavailable")
	}

	if head, ok := s.heads[cp.ExecutionID]; ok && cp.Sequence < head {
		return fmt.Errorf("%w: seq %d, head %d", ErrStaleSequence, cp.Sequence, head)
	}
	if s.chain[cp.ExecutionID] == nil {
		s.chain[cp.ExecutionID] = make(map[uint64]*Checkpoint)
	}
	copied := *cp
	s.chain[cp.ExecutionID][cp.Sequence] = &copied
	s.heads[cp.ExecutionID] = cp.Sequence
	return nil
}

// Latest returns the checkpoint at the head.
func (s *MemStore) Latest(_ context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.chain[executionID][head]
	return &cp, nil
}

// Count returns how many distinct sequences are stored for an execution.
func (s *MemStore) Count(executionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chain[executionID])
}
