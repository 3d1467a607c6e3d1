// Package memstore is an in-memory storage.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Store keeps records in a map. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	recs   map[int64]*types.JobRecord
	nextID int64
	saves  int
}

func New() *Store {
	return &Store{recs: make(map[int64]*types.JobRecord)}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Save(_ context.Context, rec *types.JobRecord, unconditional bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !storage.ShouldWrite(s.recs[rec.ID], rec, unconditional) {
		return nil
	}
	s.recs[rec.ID] = storage.Clone(rec)
	s.saves++
	if rec.ID > s.nextID {
		s.nextID = rec.ID
	}
	return nil
}

func (s *Store) Restore(_ context.Context, id int64) (*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.Clone(rec), nil
}

func (s *Store) NextID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *Store) LoadAll(context.Context) ([]*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.JobRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, storage.Clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Delete(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.recs, id)
	}
	return nil
}

// Saves returns how many writes were applied.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Store) Close() error { return nil }
