package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of a free-play session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session records a free-play run for one player. Gameplay events are
// counted and rate-limited; the counter never exceeds the configured max
// and consecutive events respect a minimum cooldown.
type Session struct {
	ID          uuid.UUID
	Player      string
	Mode        string
	Status      SessionStatus
	EventCount  int
	LastEventAt time.Time
	CreatedAt   time.Time
}
