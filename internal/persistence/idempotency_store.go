package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/idempotency"
)

// IdempotencyStore backs the guard with the idempotency_records table.
// The reserve race is decided by the primary key: ON CONFLICT DO NOTHING
// turns the second insert into a zero-row no-op.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		rec         idempotency.Record
		result      sql.NullString
		committedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, external_ref, result, created_at, committed_at, expires_at
		FROM idempotency_records WHERE key = $1`, key).Scan(
		&rec.Key, &rec.ExternalRef, &result, &rec.CreatedAt, &committedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	if committedAt.Valid {
		t := committedAt.Time
		rec.CommittedAt = &t
	}
	return &rec, nil
}

func (s *IdempotencyStore) TryInsert(ctx context.Context, rec *idempotency.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, external_ref, result, created_at, committed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.ExternalRef, nullBytes(rec.Result), rec.CreatedAt,
		nullTime(rec.CommittedAt), rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return n == 1, nil
}

func (s *IdempotencyStore) Update(ctx context.Context, rec *idempotency.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET
			external_ref = $1, result = $2, committed_at = $3, expires_at = $4
		WHERE key = $5`,
		rec.ExternalRef, nullBytes(rec.Result), nullTime(rec.CommittedAt), rec.ExpiresAt, rec.Key,
	)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND expires_at <= $2`, key, now)
	if err != nil {
		return false, fmt.Errorf("delete expired record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete expired record: %w", err)
	}
	return n == 1, nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return res.RowsAffected()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
