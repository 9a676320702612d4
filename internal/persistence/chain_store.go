package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// ChainEventStore is the local append-only log of decoded contract
// events. The indexer inserts; the bridge reads in id order.
type ChainEventStore struct {
	db *sql.DB
}

func NewChainEventStore(db *sql.DB) *ChainEventStore {
	return &ChainEventStore{db: db}
}

// Insert appends one decoded event. The (tx_id, log_index) unique
// constraint deduplicates indexer replays.
func (s *ChainEventStore) Insert(ctx context.Context, ev *domain.ChainEvent) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chain_events (block_hash, tx_id, log_index, contract, name, args, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id, log_index) DO NOTHING
		RETURNING id`,
		ev.BlockHash, ev.TxID, ev.LogIndex, ev.Contract, ev.Name, []byte(ev.Args), ev.IngestedAt,
	).Scan(&ev.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert chain event: %w", err)
	}
	return nil
}

// FetchAfter returns up to limit events with id greater than afterID, in
// id order.
func (s *ChainEventStore) FetchAfter(ctx context.Context, afterID int64, limit int) ([]domain.ChainEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_hash, tx_id, log_index, contract, name, args, ingested_at
		FROM chain_events WHERE id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch chain events: %w", err)
	}
	defer rows.Close()

	var out []domain.ChainEvent
	for rows.Next() {
		var (
			ev   domain.ChainEvent
			args []byte
		)
		if err := rows.Scan(&ev.ID, &ev.BlockHash, &ev.TxID, &ev.LogIndex,
			&ev.Contract, &ev.Name, &args, &ev.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan chain event: %w", err)
		}
		ev.Args = args
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CursorStore persists the bridge position. A single named row keeps the
// schema open for additional consumers later.
type CursorStore struct {
	db   *sql.DB
	name string
}

func NewCursorStore(db *sql.DB, name string) *CursorStore {
	if name == "" {
		name = "bridge"
	}
	return &CursorStore{db: db, name: name}
}

func (s *CursorStore) Load(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM bridge_cursor WHERE name = $1`, s.name).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return last, nil
}

func (s *CursorStore) Save(ctx context.Context, lastID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_cursor (name, last_event_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			updated_at = NOW()`,
		s.name, lastID,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
