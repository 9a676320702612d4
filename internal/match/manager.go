// Package match owns the match lifecycle state machine and free-play
// sessions. Every transition is guarded: illegal requests fail with
// ErrInvalidState and leave the row untouched. Concurrent transitions are
// serialized by compare-and-swap updates on the status column.
package match

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/observability"
)

// Store is the persistence contract for matches. Update applies the
// match's current field values only where the stored status still equals
// expectedStatus, returning domain.ErrInvalidState when the swap loses.
type Store interface {
	Insert(ctx context.Context, m *domain.Match) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Match, error)
	GetByJoinCode(ctx context.Context, code string) (*domain.Match, error)
	Update(ctx context.Context, m *domain.Match, expectedStatus domain.MatchStatus) error
	ListByStatus(ctx context.Context, status domain.MatchStatus, limit int) ([]*domain.Match, error)
}

// Publisher broadcasts match notifications to subscribers.
type Publisher interface {
	Publish(ctx context.Context, scope, id, event string, payload any) error
}

// Join codes avoid glyphs that read ambiguously when shared aloud or
// hand-typed (0/O, 1/I/L).
const joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const joinCodeLen = 6

// Manager is the only writer of Match rows.
type Manager struct {
	store   Store
	pub     Publisher
	minBet  int64 // sompi
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewManager(store Store, pub Publisher, minBet int64, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{store: store, pub: pub, minBet: minBet, log: log, metrics: metrics, now: time.Now}
}

// Create opens a new match in waiting state with a fresh join code.
func (m *Manager) Create(ctx context.Context, playerAddress string, betAmount int64) (*domain.Match, error) {
	if playerAddress == "" {
		return nil, &domain.ValidationError{Field: "player_address", Reason: "empty"}
	}
	if betAmount <= 0 {
		return nil, &domain.ValidationError{Field: "bet_amount", Reason: "must be positive"}
	}
	if betAmount < m.minBet {
		return nil, &domain.ValidationError{
			Field:  "bet_amount",
			Reason: fmt.Sprintf("below minimum %d sompi", m.minBet),
		}
	}

	// Join codes collide rarely at 31^6; retry a few times before giving up.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		match := &domain.Match{
			ID:               uuid.New(),
			JoinCode:         code,
			PlayerA:          playerAddress,
			BetAmount:        betAmount,
			Status:           domain.MatchWaiting,
			DepositAStatus:   domain.DepositNone,
			DepositBStatus:   domain.DepositNone,
			SettlementStatus: domain.SettlementNone,
			CreatedAt:        m.now(),
		}
		err = m.store.Insert(ctx, match)
		if errors.Is(err, domain.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert match: %w", err)
		}
		m.countTransition(match.Status)
		m.broadcast(ctx, match, "match_created")
		return match, nil
	}
	return nil, fmt.Errorf("generate join code: exhausted retries")
}

// Join assigns player B via a case-insensitive join code lookup and moves
// the match to deposits_pending.
func (m *Manager) Join(ctx context.Context, joinCode, playerAddress string) (*domain.Match, error) {
	if playerAddress == "" {
		return nil, &domain.ValidationError{Field: "player_address", Reason: "empty"}
	}
	match, err := m.store.GetByJoinCode(ctx, strings.ToUpper(strings.TrimSpace(joinCode)))
	if err != nil {
		return nil, err
	}
	if match.Status != domain.MatchWaiting {
		return nil, fmt.Errorf("join %s: %w", match.ID, domain.ErrInvalidState)
	}
	if playerAddress == match.PlayerA {
		return nil, domain.ErrSelfJoin
	}

	match.PlayerB = playerAddress
	match.Status = domain.MatchDepositsPending
	match.DepositAStatus = domain.DepositPending
	match.DepositBStatus = domain.DepositPending
	if err := m.store.Update(ctx, match, domain.MatchWaiting); err != nil {
		return nil, err
	}
	m.countTransition(match.Status)
	m.broadcast(ctx, match, "player_joined")
	return match, nil
}

// RegisterDeposit stores the announced deposit transaction for one side
// while it is still unconfirmed, so the deposit tracker knows what to
// poll. Re-announcing the same reference is a no-op.
func (m *Manager) RegisterDeposit(ctx context.Context, matchID uuid.UUID, side domain.Side, depositRef string) (*domain.Match, error) {
	if depositRef == "" {
		return nil, &domain.ValidationError{Field: "deposit_ref", Reason: "empty"}
	}
	match, err := m.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != domain.MatchDepositsPending {
		return nil, fmt.Errorf("register deposit %s/%s: %w", matchID, side, domain.ErrInvalidState)
	}
	if side == domain.SideA {
		if match.DepositAStatus == domain.DepositConfirmed {
			return nil, fmt.Errorf("register deposit %s/a: %w", matchID, domain.ErrInvalidState)
		}
		if match.DepositARef == depositRef {
			return match, nil
		}
		match.DepositARef = depositRef
		match.DepositAStatus = domain.DepositPending
	} else {
		if match.DepositBStatus == domain.DepositConfirmed {
			return nil, fmt.Errorf("register deposit %s/b: %w", matchID, domain.ErrInvalidState)
		}
		if match.DepositBRef == depositRef {
			return match, nil
		}
		match.DepositBRef = depositRef
		match.DepositBStatus = domain.DepositPending
	}
	if err := m.store.Update(ctx, match, domain.MatchDepositsPending); err != nil {
		return nil, err
	}
	return match, nil
}

// RecordDeposit marks one side's escrow deposit confirmed. Idempotent:
// re-recording a confirmed side with the same reference is a no-op. When
// both sides are confirmed the match transitions to playing.
func (m *Manager) RecordDeposit(ctx context.Context, matchID uuid.UUID, side domain.Side, depositRef string) (*domain.Match, error) {
	if depositRef == "" {
		return nil, &domain.ValidationError{Field: "deposit_ref", Reason: "empty"}
	}
	match, err := m.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}

	ref, status := match.DepositARef, match.DepositAStatus
	if side == domain.SideB {
		ref, status = match.DepositBRef, match.DepositBStatus
	}
	if status == domain.DepositConfirmed && ref == depositRef {
		return match, nil
	}
	if match.Status != domain.MatchDepositsPending {
		return nil, fmt.Errorf("record deposit %s/%s: %w", matchID, side, domain.ErrInvalidState)
	}

	if side == domain.SideA {
		match.DepositARef = depositRef
		match.DepositAStatus = domain.DepositConfirmed
	} else {
		match.DepositBRef = depositRef
		match.DepositBStatus = domain.DepositConfirmed
	}

	event := "deposit_confirmed"
	if match.Funded() {
		match.Status = domain.MatchPlaying
		event = "match_started"
	}
	if err := m.store.Update(ctx, match, domain.MatchDepositsPending); err != nil {
		return nil, err
	}
	if match.Status == domain.MatchPlaying {
		m.countTransition(match.Status)
	}
	m.broadcast(ctx, match, event)
	return match, nil
}

// RecordScore accepts one side's final score while playing. Once both
// sides have reported, the higher score wins, equal scores draw, and the
// match transitions to finished.
func (m *Manager) RecordScore(ctx context.Context, matchID uuid.UUID, side domain.Side, score int64) (*domain.Match, error) {
	if score < 0 {
		return nil, &domain.ValidationError{Field: "score", Reason: "negative"}
	}
	match, err := m.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != domain.MatchPlaying {
		return nil, fmt.Errorf("record score %s/%s: %w", matchID, side, domain.ErrInvalidState)
	}

	if side == domain.SideA {
		match.ScoreA = &score
	} else {
		match.ScoreB = &score
	}

	event := "score_recorded"
	if match.ScoreA != nil && match.ScoreB != nil {
		switch {
		case *match.ScoreA > *match.ScoreB:
			match.Winner = domain.WinnerA
		case *match.ScoreB > *match.ScoreA:
			match.Winner = domain.WinnerB
		default:
			match.Winner = domain.WinnerDraw
		}
		match.Status = domain.MatchFinished
		finished := m.now()
		match.FinishedAt = &finished
		event = "match_finished"
	}
	if err := m.store.Update(ctx, match, domain.MatchPlaying); err != nil {
		return nil, err
	}
	if match.Status == domain.MatchFinished {
		m.countTransition(match.Status)
	}
	m.broadcast(ctx, match, event)
	return match, nil
}

// MarkRefunded records a deposit-timeout refund. The timeout policy lives
// with the caller; only the transition is owned here.
func (m *Manager) MarkRefunded(ctx context.Context, matchID uuid.UUID) (*domain.Match, error) {
	return m.transition(ctx, matchID, domain.MatchDepositsPending, domain.MatchRefunded, "match_refunded")
}

// MarkCancelled voids a finished match instead of settling it.
func (m *Manager) MarkCancelled(ctx context.Context, matchID uuid.UUID) (*domain.Match, error) {
	return m.transition(ctx, matchID, domain.MatchFinished, domain.MatchCancelled, "match_cancelled")
}

func (m *Manager) transition(ctx context.Context, matchID uuid.UUID, from, to domain.MatchStatus, event string) (*domain.Match, error) {
	match, err := m.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != from {
		return nil, fmt.Errorf("%s %s: %w", event, matchID, domain.ErrInvalidState)
	}
	match.Status = to
	if err := m.store.Update(ctx, match, from); err != nil {
		return nil, err
	}
	m.countTransition(to)
	m.broadcast(ctx, match, event)
	return match, nil
}

func (m *Manager) countTransition(status domain.MatchStatus) {
	if m.metrics != nil {
		m.metrics.MatchTransitions.WithLabelValues(string(status)).Inc()
	}
}

func (m *Manager) broadcast(ctx context.Context, match *domain.Match, event string) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, "match", match.ID.String(), event, match); err != nil {
		m.log.Warn().Str("match", match.ID.String()).Str("event", event).Err(err).Msg("match broadcast failed")
	}
}

func newJoinCode() (string, error) {
	buf := make([]byte, joinCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, joinCodeLen)
	for i, b := range buf {
		code[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(code), nil
}
