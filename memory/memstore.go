package memory

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store for tests and single-process use.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

// Get reads a memory value.
func (s *MemStore) Get(_ context.Context, ns Namespace, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[storageKey(ns, key)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Put writes a memory value.
func (s *MemStore) Put(_ context.Context, ns Namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[storageKey(ns, key)] = value
	return nil
}

// Create writes a memory value only if the key is absent.
func (s *MemStore) Create(_ context.Context, ns Namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := storageKey(ns, key)
	if _, ok := s.values[sk]; ok {
		return ErrAlreadyExists
	}
	s.values[sk] = value
	return nil
}
