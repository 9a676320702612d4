package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// MemoryStore is a mutex-guarded in-process Store. Used in tests and
// single-node development runs; production uses the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) TryInsert(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[rec.Key]; exists {
		return false, nil
	}
	cp := *rec
	s.recs[rec.Key] = &cp
	return true, nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[rec.Key]; !exists {
		return domain.ErrNotFound
	}
	cp := *rec
	s.recs[rec.Key] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[key]; !exists {
		return domain.ErrNotFound
	}
	delete(s.recs, key)
	return nil
}

func (s *MemoryStore) DeleteIfExpired(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok || rec.ExpiresAt.After(now) {
		return false, nil
	}
	delete(s.recs, key)
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.recs {
		if now.After(rec.ExpiresAt) {
			delete(s.recs, key)
			n++
		}
	}
	return n, nil
}
