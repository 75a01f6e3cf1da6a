// Package inmem provides an in-memory implementation of history.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable: instances do not survive a process restart.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/relay/runtime/relay/history"
)

// Store implements history.Store in memory.
type Store struct {
	mu        sync.Mutex
	seq       int64
	instances map[string]*history.Instance
}

// New returns an empty in-memory history store.
func New() *Store {
	return &Store{instances: make(map[string]*history.Instance)}
}

// Create implements history.Store.
func (s *Store) Create(_ context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return history.ErrExists
	}
	s.seq++
	now := time.Now().UTC()
	inst.Seq = s.seq
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Load implements history.Store.
func (s *Store) Load(_ context.Context, id string) (*history.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	return inst.Clone(), nil
}

// Save implements history.Store.
func (s *Store) Save(_ context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return history.ErrNotFound
	}
	if cur.Version != inst.Version {
		return history.ErrConflict
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// ListActive implements history.Store.
func (s *Store) ListActive(_ context.Context) ([]*history.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*history.Instance
	for _, inst := range s.instances {
		if inst.Active() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
