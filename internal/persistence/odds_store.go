package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// OddsStore persists markets and their tick history. The (market_id, seq)
// primary key makes a sequence collision a hard insert failure, which
// protects the gapless-sequence invariant against a split-brain engine.
type OddsStore struct {
	db *sql.DB
}

func NewOddsStore(db *sql.DB) *OddsStore {
	return &OddsStore{db: db}
}

func (s *OddsStore) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	var m domain.Market
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, last_prob_a_bps, updated_at
		FROM markets WHERE id = $1`, marketID).Scan(
		&m.ID, &m.State, &m.LastProbABps, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

func (s *OddsStore) LastTick(ctx context.Context, marketID string) (domain.OddsTick, error) {
	var t domain.OddsTick
	err := s.db.QueryRowContext(ctx, `
		SELECT market_id, seq, prob_a_bps, prob_b_bps, final, created_at
		FROM odds_ticks WHERE market_id = $1
		ORDER BY seq DESC LIMIT 1`, marketID).Scan(
		&t.MarketID, &t.Seq, &t.ProbABps, &t.ProbBBps, &t.Final, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OddsTick{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OddsTick{}, fmt.Errorf("last tick: %w", err)
	}
	return t, nil
}

func (s *OddsStore) InsertTick(ctx context.Context, tick domain.OddsTick) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO odds_ticks (market_id, seq, prob_a_bps, prob_b_bps, final, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tick.MarketID, tick.Seq, tick.ProbABps, tick.ProbBBps, tick.Final, tick.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

func (s *OddsStore) UpsertMarket(ctx context.Context, market domain.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (id, state, last_prob_a_bps, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			last_prob_a_bps = EXCLUDED.last_prob_a_bps,
			updated_at = EXCLUDED.updated_at`,
		market.ID, market.State, market.LastProbABps, market.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	return nil
}

// TicksSince returns the tick history from a sequence number, for clients
// reconciling after a missed broadcast.
func (s *OddsStore) TicksSince(ctx context.Context, marketID string, fromSeq int64, limit int) ([]domain.OddsTick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, seq, prob_a_bps, prob_b_bps, final, created_at
		FROM odds_ticks WHERE market_id = $1 AND seq >= $2
		ORDER BY seq LIMIT $3`, marketID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ticks since: %w", err)
	}
	defer rows.Close()

	var out []domain.OddsTick
	for rows.Next() {
		var t domain.OddsTick
		if err := rows.Scan(&t.MarketID, &t.Seq, &t.ProbABps, &t.ProbBBps, &t.Final, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
