package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/chain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/match"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/observability"
)

// DepositTracker polls the chain for announced-but-unconfirmed escrow
// deposits. It complements the event bridge: when the node drops a log
// or a deposit is announced out of band, polling contract state still
// converges the match.
type DepositTracker struct {
	matches  *match.Manager
	store    match.Store
	client   chain.Client
	interval time.Duration
	limit    int
	log      zerolog.Logger
	metrics  *observability.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDepositTracker(matches *match.Manager, store match.Store, client chain.Client, interval time.Duration, log zerolog.Logger, metrics *observability.Metrics) *DepositTracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DepositTracker{
		matches:  matches,
		store:    store,
		client:   client,
		interval: interval,
		limit:    200,
		log:      log,
		metrics:  metrics,
	}
}

func (t *DepositTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					t.log.Error().Err(err).Msg("deposit sweep failed")
				}
			}
		}
	}()
}

func (t *DepositTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Sweep checks every funding-stage match once.
func (t *DepositTracker) Sweep(ctx context.Context) error {
	pending, err := t.store.ListByStatus(ctx, domain.MatchDepositsPending, t.limit)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.checkMatch(ctx, m)
	}
	if t.metrics != nil {
		t.metrics.DepositSweeps.Inc()
	}
	return nil
}

func (t *DepositTracker) checkMatch(ctx context.Context, m *domain.Match) {
	t.checkSide(ctx, m, domain.SideA, m.DepositARef, m.DepositAStatus)
	t.checkSide(ctx, m, domain.SideB, m.DepositBRef, m.DepositBStatus)
}

func (t *DepositTracker) checkSide(ctx context.Context, m *domain.Match, side domain.Side, ref string, status domain.DepositStatus) {
	if ref == "" || status != domain.DepositPending {
		return
	}
	state, err := t.client.ReadContractState(ctx, ref)
	if err != nil {
		t.log.Warn().
			Str("match", m.ID.String()).
			Str("ref", ref).
			Err(err).
			Msg("read deposit state")
		return
	}
	switch state {
	case chain.StateConfirmed:
		if _, err := t.matches.RecordDeposit(ctx, m.ID, side, ref); err != nil {
			if !errors.Is(err, domain.ErrInvalidState) {
				t.log.Warn().Str("match", m.ID.String()).Err(err).Msg("record polled deposit")
			}
		} else if t.metrics != nil {
			t.metrics.DepositsConfirmed.Inc()
		}
	case chain.StateRefunded:
		if _, err := t.matches.MarkRefunded(ctx, m.ID); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			t.log.Warn().Str("match", m.ID.String()).Err(err).Msg("record polled refund")
		}
	default:
		// Still pending or unknown; next sweep will look again.
	}
}
