package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// SessionStore persists free-play sessions. The event counter is updated
// with a guarded UPDATE so two racing events cannot both consume the same
// budget slot.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Insert(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, player, mode, status, event_count, last_event_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Player, sess.Mode, sess.Status, sess.EventCount, sess.LastEventAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, player, mode, status, event_count, last_event_at, created_at
		FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.Player, &sess.Mode, &sess.Status,
		&sess.EventCount, &sess.LastEventAt, &sess.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Update(ctx context.Context, sess *domain.Session, expectedCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, event_count = $2, last_event_at = $3
		WHERE id = $4 AND event_count = $5`,
		sess.Status, sess.EventCount, sess.LastEventAt, sess.ID, expectedCount,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update session %s at count %d: %w", sess.ID, expectedCount, domain.ErrInvalidState)
	}
	return nil
}
