// Package idempotency deduplicates side-effecting operations keyed by a
// caller-supplied token. Every financial call wraps the same sequence:
// reserve, perform the external call, commit the result (or release on
// failure so a later retry can re-enter).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// Record is one deduplication entry. A record without CommittedAt marks an
// in-flight attempt; Check treats it as absent so losers of the reserve
// race can poll until the owner commits.
type Record struct {
	Key         string
	ExternalRef string
	Result      json.RawMessage
	CreatedAt   time.Time
	CommittedAt *time.Time
	ExpiresAt   time.Time
}

// Committed reports whether the owning attempt finished successfully.
func (r *Record) Committed() bool { return r.CommittedAt != nil }

// Store is the persistence contract. TryInsert must be a true atomic
// claim (conditional insert): with concurrent callers on the same key,
// exactly one insert may succeed.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	TryInsert(ctx context.Context, rec *Record) (bool, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key string) error
	// DeleteIfExpired removes the record only while it is still expired
	// at now, reporting whether a row was removed. The condition must be
	// evaluated atomically with the delete so a racing reclaim that
	// refreshed the key never loses its record.
	DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Guard wraps a Store with the check/reserve/commit/release protocol.
type Guard struct {
	store     Store
	retention time.Duration // lifetime of committed records
	log       zerolog.Logger
	now       func() time.Time
}

// DefaultRetention keeps committed results for a week, long enough for
// any realistic client retry while keeping the table bounded.
const DefaultRetention = 7 * 24 * time.Hour

func NewGuard(store Store, retention time.Duration, log zerolog.Logger) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Guard{store: store, retention: retention, log: log, now: time.Now}
}

// Check returns the committed result for key, if any. Expired records are
// purged and treated as absent. In-flight reservations are reported as
// absent: the result is not available yet.
func (g *Guard) Check(ctx context.Context, key string) (*Record, bool, error) {
	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if g.now().After(rec.ExpiresAt) {
		if derr := g.store.Delete(ctx, key); derr != nil {
			g.log.Warn().Str("key", key).Err(derr).Msg("purge expired idempotency record")
		}
		return nil, false, nil
	}
	if !rec.Committed() {
		return nil, false, nil
	}
	return rec, true, nil
}

// Reserve claims key for the calling attempt. Returns true when this
// caller owns the attempt; false when another caller holds an unexpired
// claim (committed or in flight). Losers must not submit: they Check for
// the eventual result or fail fast.
func (g *Guard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()
	rec := &Record{Key: key, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	ok, err := g.store.TryInsert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	// Key taken. If the holder expired (crashed mid-attempt and never
	// released), clear it and claim once more.
	existing, err := g.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		ok, err = g.store.TryInsert(ctx, rec)
		if err != nil {
			return false, fmt.Errorf("idempotency reserve %s: %w", key, err)
		}
		return ok, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}
	if now.After(existing.ExpiresAt) {
		cleared, err := g.store.DeleteIfExpired(ctx, key, now)
		if err != nil {
			return false, fmt.Errorf("idempotency clear expired %s: %w", key, err)
		}
		if !cleared {
			// A racing caller re-claimed the key between the read and
			// the clear; its record stands.
			return false, nil
		}
		ok, err = g.store.TryInsert(ctx, rec)
		if err != nil {
			return false, fmt.Errorf("idempotency reserve %s: %w", key, err)
		}
		return ok, nil
	}
	return false, nil
}

// Commit stores the attempt's result under key and extends the record to
// the committed-result retention window.
func (g *Guard) Commit(ctx context.Context, key, externalRef string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency marshal result %s: %w", key, err)
	}
	now := g.now()
	rec := &Record{
		Key:         key,
		ExternalRef: externalRef,
		Result:      payload,
		CreatedAt:   now,
		CommittedAt: &now,
		ExpiresAt:   now.Add(g.retention),
	}
	if err := g.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("idempotency commit %s: %w", key, err)
	}
	return nil
}

// Release drops the reservation after a failed attempt so a retry can
// reserve again.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.Delete(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}

// Sweep garbage-collects expired records. Called periodically by the
// orchestrator.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	n, err := g.store.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep: %w", err)
	}
	if n > 0 {
		g.log.Debug().Int64("purged", n).Msg("idempotency sweep")
	}
	return n, nil
}
