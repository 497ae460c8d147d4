// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// Store holds incident records in memory. Suitable for dev/testing and
// the CLI's single-run mode.
type Store struct {
	mu      sync.RWMutex
	records map[string]*incident.Record // incident ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*incident.Record),
	}
}

// Get retrieves an incident record by its ID. Returns a deep copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a deep copy of the record, so later caller mutations never
// leak into persisted state.
func (s *Store) Put(_ context.Context, r *incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
	return nil
}
