package odds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/observability"
)

// Publication outcomes reported by PublishTick.
const (
	ReasonMarketNotOpen  = "market_not_open"
	ReasonBelowThreshold = "below_threshold"
	ReasonThresholdMet   = "threshold_met"
)

// DefaultThresholdBps is the minimum move in probA required to publish.
const DefaultThresholdBps = 200

// TickStore persists markets and their tick sequence. LastTick returns
// domain.ErrNotFound when a market has no published ticks; GetMarket
// returns domain.ErrNotFound for unknown markets.
type TickStore interface {
	GetMarket(ctx context.Context, marketID string) (domain.Market, error)
	LastTick(ctx context.Context, marketID string) (domain.OddsTick, error)
	InsertTick(ctx context.Context, tick domain.OddsTick) error
	UpsertMarket(ctx context.Context, market domain.Market) error
}

// Publisher broadcasts named events to subscribers of a market.
type Publisher interface {
	Publish(ctx context.Context, scope, id, event string, payload any) error
}

// Cache mirrors the latest accepted tick for the read path. Cache write
// failures never block tick persistence.
type Cache interface {
	SetCurrent(ctx context.Context, marketID string, tick domain.OddsTick) error
}

// TickResult reports what PublishTick did with an offered pair.
type TickResult struct {
	Emitted bool
	Seq     int64
	Reason  string
}

// marketState is the engine-owned in-memory state for one open market.
// Initialized from the store on first touch, torn down on lock, and only
// mutated under the engine mutex.
type marketState struct {
	locked    bool
	lastBps   int // -1 until the first tick is published
	nextSeq   int64
	telemetry Telemetry
	fresh     bool
}

// Engine owns all per-market odds state. Telemetry arrives out-of-band
// via Offer with last-value semantics; EvaluateFresh consumes the newest
// snapshot per market each tick cycle.
type Engine struct {
	store        TickStore
	pub          Publisher
	cache        Cache
	thresholdBps int
	log          zerolog.Logger
	metrics      *observability.Metrics

	mu      sync.Mutex
	markets map[string]*marketState
}

func NewEngine(store TickStore, pub Publisher, cache Cache, thresholdBps int, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	if thresholdBps <= 0 {
		thresholdBps = DefaultThresholdBps
	}
	return &Engine{
		store:        store,
		pub:          pub,
		cache:        cache,
		thresholdBps: thresholdBps,
		log:          log,
		metrics:      metrics,
		markets:      make(map[string]*marketState),
	}
}

// ensureLocked loads or creates in-memory state for marketID. Cold start
// recovers the next sequence from the last persisted tick so restarts
// never reuse or skip a sequence number. Caller holds the engine lock.
func (e *Engine) ensureLocked(ctx context.Context, marketID string) (*marketState, error) {
	if ms, ok := e.markets[marketID]; ok {
		return ms, nil
	}

	ms := &marketState{lastBps: -1, nextSeq: 1}

	last, err := e.store.LastTick(ctx, marketID)
	switch {
	case err == nil:
		ms.nextSeq = last.Seq + 1
		ms.lastBps = last.ProbABps
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("recover sequence for market %s: %w", marketID, err)
	}

	market, err := e.store.GetMarket(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := e.store.UpsertMarket(ctx, domain.Market{
			ID:        marketID,
			State:     domain.MarketOpen,
			UpdatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("open market %s: %w", marketID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("load market %s: %w", marketID, err)
	default:
		ms.locked = market.State != domain.MarketOpen
	}

	e.markets[marketID] = ms
	return ms, nil
}

// Offer replaces the pending telemetry snapshot for a market. Older
// unconsumed snapshots are superseded, never queued.
func (e *Engine) Offer(ctx context.Context, marketID string, t Telemetry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.ensureLocked(ctx, marketID)
	if err != nil {
		return err
	}
	if ms.locked {
		return fmt.Errorf("market %s: %w", marketID, domain.ErrInvalidState)
	}
	ms.telemetry = t
	ms.fresh = true
	return nil
}

// PublishTick evaluates a pair against the market's publication rules.
func (e *Engine) PublishTick(ctx context.Context, marketID string, pair Pair) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishLocked(ctx, marketID, pair, false)
}

func (e *Engine) publishLocked(ctx context.Context, marketID string, pair Pair, final bool) (TickResult, error) {
	ms, err := e.ensureLocked(ctx, marketID)
	if err != nil {
		return TickResult{}, err
	}
	if ms.locked {
		return TickResult{Reason: ReasonMarketNotOpen}, nil
	}

	if !final && ms.lastBps >= 0 {
		delta := pair.ABps - ms.lastBps
		if delta < 0 {
			delta = -delta
		}
		if delta < e.thresholdBps {
			if e.metrics != nil {
				e.metrics.OddsTicksWithheld.Inc()
			}
			return TickResult{Reason: ReasonBelowThreshold}, nil
		}
	}

	tick := domain.OddsTick{
		MarketID:  marketID,
		Seq:       ms.nextSeq,
		ProbABps:  pair.ABps,
		ProbBBps:  pair.BBps,
		Final:     final,
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertTick(ctx, tick); err != nil {
		return TickResult{}, fmt.Errorf("persist tick %s/%d: %w", marketID, tick.Seq, err)
	}

	// The sequence advances by exactly one per accepted tick, and only
	// after the tick is durable.
	ms.nextSeq++
	ms.lastBps = pair.ABps

	if e.cache != nil {
		if err := e.cache.SetCurrent(ctx, marketID, tick); err != nil {
			e.log.Warn().Str("market", marketID).Err(err).Msg("odds cache write failed")
		}
	}

	event := "odds_tick"
	if final {
		event = "market_locked"
	}
	if err := e.pub.Publish(ctx, "market", marketID, event, tick); err != nil {
		e.log.Warn().Str("market", marketID).Err(err).Msg("odds broadcast failed")
	}

	if e.metrics != nil {
		e.metrics.OddsTicksEmitted.Inc()
		e.metrics.OddsLastSeq.WithLabelValues(marketID).Set(float64(tick.Seq))
	}
	return TickResult{Emitted: true, Seq: tick.Seq, Reason: ReasonThresholdMet}, nil
}

// LockMarket freezes a market: one final tick with the last known
// probabilities, state persisted as locked, a distinct locked broadcast,
// and eviction of the in-memory entry so a reused id starts clean.
func (e *Engine) LockMarket(ctx context.Context, marketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.ensureLocked(ctx, marketID)
	if err != nil {
		return err
	}
	if ms.locked {
		return fmt.Errorf("market %s: %w", marketID, domain.ErrInvalidState)
	}

	frozen := Pair{ABps: 5000, BBps: 5000}
	if ms.lastBps >= 0 {
		frozen = Pair{ABps: ms.lastBps, BBps: 10000 - ms.lastBps}
	}
	res, err := e.publishLocked(ctx, marketID, frozen, true)
	if err != nil {
		return err
	}
	if !res.Emitted {
		return fmt.Errorf("market %s: %w", marketID, domain.ErrInvalidState)
	}

	if err := e.store.UpsertMarket(ctx, domain.Market{
		ID:           marketID,
		State:        domain.MarketLocked,
		LastProbABps: ms.lastBps,
		UpdatedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("lock market %s: %w", marketID, err)
	}

	ms.locked = true
	delete(e.markets, marketID)

	if e.metrics != nil {
		e.metrics.MarketsLocked.Inc()
	}
	e.log.Info().Str("market", marketID).Int64("final_seq", res.Seq).Msg("market locked")
	return nil
}

// EvaluateFresh computes and publishes odds for every market holding an
// unconsumed telemetry snapshot. Returns the number of emitted ticks.
func (e *Engine) EvaluateFresh(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	emitted := 0
	for id, ms := range e.markets {
		if !ms.fresh || ms.locked {
			continue
		}
		ms.fresh = false
		res, err := e.publishLocked(ctx, id, Compute(ms.telemetry), false)
		if err != nil {
			// Leave the snapshot consumed; the next telemetry push will
			// supersede it anyway. Persist errors are per-market.
			e.log.Error().Str("market", id).Err(err).Msg("tick evaluation failed")
			continue
		}
		if res.Emitted {
			emitted++
		}
	}
	return emitted, nil
}
