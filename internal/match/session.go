package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// SessionStore persists free-play sessions. Update is conditional on the
// stored event count so two concurrent event reports cannot both land on
// the same slot.
type SessionStore interface {
	Insert(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Update(ctx context.Context, s *domain.Session, expectedCount int) error
}

// SessionManager enforces the free-play event budget and cooldown.
type SessionManager struct {
	store     SessionStore
	maxEvents int
	cooldown  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewSessionManager(store SessionStore, maxEvents int, cooldown time.Duration, log zerolog.Logger) *SessionManager {
	return &SessionManager{store: store, maxEvents: maxEvents, cooldown: cooldown, log: log, now: time.Now}
}

// Start opens a session for a player.
func (sm *SessionManager) Start(ctx context.Context, player, mode string) (*domain.Session, error) {
	if player == "" {
		return nil, &domain.ValidationError{Field: "player", Reason: "empty"}
	}
	if mode == "" {
		mode = "free"
	}
	s := &domain.Session{
		ID:        uuid.New(),
		Player:    player,
		Mode:      mode,
		Status:    domain.SessionActive,
		CreatedAt: sm.now(),
	}
	if err := sm.store.Insert(ctx, s); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// RecordEvent counts one gameplay event against the session budget. The
// counter never exceeds the configured max and consecutive events respect
// the minimum cooldown.
func (sm *SessionManager) RecordEvent(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrInvalidState)
	}
	if s.EventCount >= sm.maxEvents {
		return nil, &domain.ValidationError{Field: "event_count", Reason: "session event budget exhausted"}
	}
	now := sm.now()
	if !s.LastEventAt.IsZero() && now.Sub(s.LastEventAt) < sm.cooldown {
		return nil, &domain.ValidationError{Field: "event", Reason: "cooldown not elapsed"}
	}

	expected := s.EventCount
	s.EventCount++
	s.LastEventAt = now
	if err := sm.store.Update(ctx, s, expected); err != nil {
		return nil, err
	}
	return s, nil
}

// End closes an active session.
func (sm *SessionManager) End(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrInvalidState)
	}
	s.Status = domain.SessionEnded
	if err := sm.store.Update(ctx, s, s.EventCount); err != nil {
		return nil, err
	}
	return s, nil
}
