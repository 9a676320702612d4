package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

const matchColumns = `id, join_code, player_a, player_b, bet_amount, status,
	deposit_a_ref, deposit_a_status, deposit_b_ref, deposit_b_status,
	score_a, score_b, winner, settlement_ref, settlement_status,
	created_at, finished_at`

// MatchStore persists matches in the matches table.
type MatchStore struct {
	db *sql.DB
}

func NewMatchStore(db *sql.DB) *MatchStore {
	return &MatchStore{db: db}
}

func (s *MatchStore) Insert(ctx context.Context, m *domain.Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.JoinCode, m.PlayerA, m.PlayerB, m.BetAmount, m.Status,
		m.DepositARef, m.DepositAStatus, m.DepositBRef, m.DepositBStatus,
		nullInt(m.ScoreA), nullInt(m.ScoreB), m.Winner, m.SettlementRef, m.SettlementStatus,
		m.CreatedAt, nullTime(m.FinishedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *MatchStore) Get(ctx context.Context, id uuid.UUID) (*domain.Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	return scanMatch(row)
}

func (s *MatchStore) GetByJoinCode(ctx context.Context, code string) (*domain.Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE join_code = $1`, code)
	return scanMatch(row)
}

// Update writes all mutable fields, guarded on the stored status. A zero
// row count means the status moved underneath the caller.
func (s *MatchStore) Update(ctx context.Context, m *domain.Match, expectedStatus domain.MatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			player_b = $1, status = $2,
			deposit_a_ref = $3, deposit_a_status = $4,
			deposit_b_ref = $5, deposit_b_status = $6,
			score_a = $7, score_b = $8, winner = $9,
			settlement_ref = $10, settlement_status = $11,
			finished_at = $12
		WHERE id = $13 AND status = $14`,
		m.PlayerB, m.Status,
		m.DepositARef, m.DepositAStatus,
		m.DepositBRef, m.DepositBStatus,
		nullInt(m.ScoreA), nullInt(m.ScoreB), m.Winner,
		m.SettlementRef, m.SettlementStatus,
		nullTime(m.FinishedAt),
		m.ID, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update match %s from %s: %w", m.ID, expectedStatus, domain.ErrInvalidState)
	}
	return nil
}

func (s *MatchStore) ListByStatus(ctx context.Context, status domain.MatchStatus, limit int) ([]*domain.Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE status = $1 ORDER BY created_at LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*domain.Match, error) {
	var (
		m          domain.Match
		scoreA     sql.NullInt64
		scoreB     sql.NullInt64
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.JoinCode, &m.PlayerA, &m.PlayerB, &m.BetAmount, &m.Status,
		&m.DepositARef, &m.DepositAStatus, &m.DepositBRef, &m.DepositBStatus,
		&scoreA, &scoreB, &m.Winner, &m.SettlementRef, &m.SettlementStatus,
		&m.CreatedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan match: %w", err)
	}
	if scoreA.Valid {
		m.ScoreA = &scoreA.Int64
	}
	if scoreB.Valid {
		m.ScoreB = &scoreB.Int64
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		m.FinishedAt = &t
	}
	return &m, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
