package odds_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/odds"
)

// fakeTickStore keeps ticks in memory, mimicking the Postgres tick store.
type fakeTickStore struct {
	mu      sync.Mutex
	ticks   map[string][]domain.OddsTick
	markets map[string]domain.Market
}

func newFakeTickStore() *fakeTickStore {
	return &fakeTickStore{
		ticks:   make(map[string][]domain.OddsTick),
		markets: make(map[string]domain.Market),
	}
}

func (s *fakeTickStore) GetMarket(_ context.Context, marketID string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	market, ok := s.markets[marketID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return market, nil
}

func (s *fakeTickStore) LastTick(_ context.Context, marketID string) (domain.OddsTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks := s.ticks[marketID]
	if len(ticks) == 0 {
		return domain.OddsTick{}, domain.ErrNotFound
	}
	return ticks[len(ticks)-1], nil
}

func (s *fakeTickStore) InsertTick(_ context.Context, tick domain.OddsTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[tick.MarketID] = append(s.ticks[tick.MarketID], tick)
	return nil
}

func (s *fakeTickStore) UpsertMarket(_ context.Context, market domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[market.ID] = market
	return nil
}

type published struct {
	scope, id, event string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, scope, id, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{scope, id, event})
	return nil
}

func newEngine(store odds.TickStore, pub odds.Publisher) *odds.Engine {
	return odds.NewEngine(store, pub, nil, 200, zerolog.Nop(), nil)
}

func TestPublishTick_FirstTickEmits(t *testing.T) {
	store := newFakeTickStore()
	e := newEngine(store, &fakePublisher{})

	res, err := e.PublishTick(context.Background(), "race-1", odds.Pair{ABps: 5050, BBps: 4950})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Emitted || res.Seq != 1 || res.Reason != odds.ReasonThresholdMet {
		t.Errorf("got %+v, want emitted seq=1", res)
	}
}

func TestPublishTick_BelowThresholdWithheld(t *testing.T) {
	store := newFakeTickStore()
	e := newEngine(store, &fakePublisher{})
	ctx := context.Background()

	if _, err := e.PublishTick(ctx, "race-1", odds.Pair{ABps: 5000, BBps: 5000}); err != nil {
		t.Fatal(err)
	}
	res, err := e.PublishTick(ctx, "race-1", odds.Pair{ABps: 5150, BBps: 4850})
	if err != nil {
		t.Fatal(err)
	}
	if res.Emitted || res.Reason != odds.ReasonBelowThreshold {
		t.Errorf("150 bps move should be withheld, got %+v", res)
	}

	// A withheld tick must not consume a sequence number.
	res, err = e.PublishTick(ctx, "race-1", odds.Pair{ABps: 5300, BBps: 4700})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Emitted || res.Seq != 2 {
		t.Errorf("got %+v, want emitted seq=2", res)
	}
}

func TestPublishTick_SequenceGaplessAcrossRestart(t *testing.T) {
	store := newFakeTickStore()
	ctx := context.Background()

	e1 := newEngine(store, &fakePublisher{})
	for _, bps := range []int{5000, 5300, 5600} {
		if _, err := e1.PublishTick(ctx, "race-1", odds.Pair{ABps: bps, BBps: 10000 - bps}); err != nil {
			t.Fatal(err)
		}
	}

	// Fresh engine over the same store simulates a process restart.
	e2 := newEngine(store, &fakePublisher{})
	res, err := e2.PublishTick(ctx, "race-1", odds.Pair{ABps: 5900, BBps: 4100})
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 4 {
		t.Errorf("cold start should resume at seq 4, got %d", res.Seq)
	}

	seqs := make([]int64, 0)
	for _, tick := range store.ticks["race-1"] {
		seqs = append(seqs, tick.Seq)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence not gapless: %v", seqs)
		}
	}
}

func TestLockMarket_FinalTickAndEviction(t *testing.T) {
	store := newFakeTickStore()
	pub := &fakePublisher{}
	e := newEngine(store, pub)
	ctx := context.Background()

	if _, err := e.PublishTick(ctx, "race-1", odds.Pair{ABps: 6200, BBps: 3800}); err != nil {
		t.Fatal(err)
	}
	if err := e.LockMarket(ctx, "race-1"); err != nil {
		t.Fatal(err)
	}

	ticks := store.ticks["race-1"]
	if len(ticks) != 2 {
		t.Fatalf("want initial + final tick, got %d", len(ticks))
	}
	final := ticks[1]
	if !final.Final || final.Seq != 2 || final.ProbABps != 6200 {
		t.Errorf("final tick should freeze last odds at next seq: %+v", final)
	}
	if store.markets["race-1"].State != domain.MarketLocked {
		t.Errorf("market state: got %s, want locked", store.markets["race-1"].State)
	}

	last := pub.events[len(pub.events)-1]
	if last.event != "market_locked" {
		t.Errorf("lock should broadcast market_locked, got %s", last.event)
	}

	// Locked: further open-state ticks rejected.
	res, err := e.PublishTick(ctx, "race-1", odds.Pair{ABps: 7000, BBps: 3000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Emitted || res.Reason != odds.ReasonMarketNotOpen {
		t.Errorf("locked market must reject ticks, got %+v", res)
	}
}

func TestLockMarket_TwiceFails(t *testing.T) {
	store := newFakeTickStore()
	e := newEngine(store, &fakePublisher{})
	ctx := context.Background()

	if err := e.LockMarket(ctx, "race-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.LockMarket(ctx, "race-1"); err == nil {
		t.Error("second lock should fail")
	}
}

func TestOffer_LastValueSemantics(t *testing.T) {
	store := newFakeTickStore()
	e := newEngine(store, &fakePublisher{})
	ctx := context.Background()

	// Two snapshots before a cycle: only the newest is evaluated.
	stale := odds.Telemetry{DistanceA: 10, DistanceB: 90, SpeedA: 1, SpeedB: 9, Elapsed: 10, Duration: 60}
	fresh := odds.Telemetry{DistanceA: 90, DistanceB: 10, SpeedA: 9, SpeedB: 1, Elapsed: 12, Duration: 60}
	if err := e.Offer(ctx, "race-1", stale); err != nil {
		t.Fatal(err)
	}
	if err := e.Offer(ctx, "race-1", fresh); err != nil {
		t.Fatal(err)
	}

	emitted, err := e.EvaluateFresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if emitted != 1 {
		t.Fatalf("want exactly one emitted tick, got %d", emitted)
	}
	tick := store.ticks["race-1"][0]
	if tick.ProbABps <= 5000 {
		t.Errorf("newest snapshot favors A, got %d bps", tick.ProbABps)
	}

	// Snapshot consumed: an idle cycle emits nothing.
	emitted, err = e.EvaluateFresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if emitted != 0 {
		t.Errorf("consumed snapshot should not re-emit, got %d", emitted)
	}
}
