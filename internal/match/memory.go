package match

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// MemoryStore is a mutex-guarded in-process Store with the same
// compare-and-swap semantics as the Postgres implementation. Used in
// tests and single-node development runs.
type MemoryStore struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*domain.Match
	byCode  map[string]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[uuid.UUID]*domain.Match),
		byCode:  make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, m *domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byCode[m.JoinCode]; taken {
		return domain.ErrAlreadyExists
	}
	cp := *m
	s.matches[m.ID] = &cp
	s.byCode[m.JoinCode] = m.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetByJoinCode(_ context.Context, code string) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, m *domain.Match, expectedStatus domain.MatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expectedStatus {
		return domain.ErrInvalidState
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status domain.MatchStatus, limit int) ([]*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Match, 0)
	for _, m := range s.matches {
		if m.Status != status {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemorySessionStore is the in-process SessionStore counterpart.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (s *MemorySessionStore) Insert(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Update(_ context.Context, sess *domain.Session, expectedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.EventCount != expectedCount {
		return domain.ErrInvalidState
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}
