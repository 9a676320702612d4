package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/bridge"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/chain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/idempotency"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/match"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/settle"
)

const (
	addrA = "kaspa:qqalice000000000000000000000000000000000000"
	addrB = "kaspa:qqbob00000000000000000000000000000000000000"
)

// memSource is an in-memory ordered event log.
type memSource struct {
	mu     sync.Mutex
	events []domain.ChainEvent
	err    error
}

func (s *memSource) add(contract, name string, args map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(args)
	id := int64(len(s.events) + 1)
	s.events = append(s.events, domain.ChainEvent{
		ID:       id,
		Contract: contract,
		Name:     name,
		Args:     raw,
		TxID:     fmt.Sprintf("tx-%d", id),
	})
	return id
}

func (s *memSource) FetchAfter(_ context.Context, afterID int64, limit int) ([]domain.ChainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.ChainEvent
	for _, ev := range s.events {
		if ev.ID > afterID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memCursor struct {
	mu   sync.Mutex
	last int64
}

func (c *memCursor) Load(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

func (c *memCursor) Save(_ context.Context, lastID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = lastID
	return nil
}

// flakyHandler fails a configurable number of times before succeeding.
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	seenIDs  []int64
}

func (h *flakyHandler) handle(_ context.Context, ev domain.ChainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return errors.New("storage unavailable")
	}
	h.seenIDs = append(h.seenIDs, ev.ID)
	return nil
}

// recordingPub captures notifications for assertions.
type recordingPub struct {
	mu    sync.Mutex
	notes []pubNote
}

type pubNote struct {
	scope string
	id    string
	event string
}

func (p *recordingPub) Publish(_ context.Context, scope, id, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, pubNote{scope: scope, id: id, event: event})
	return nil
}

func (p *recordingPub) published() []pubNote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubNote, len(p.notes))
	copy(out, p.notes)
	return out
}

type fakeChain struct {
	mu     sync.Mutex
	states map[string]chain.ContractState
	calls  int
}

func (c *fakeChain) SubmitPayout(context.Context, string, int64, string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return chain.Receipt{Ref: "payout-tx-1", Status: chain.PayoutAccepted}, nil
}

func (c *fakeChain) ReadContractState(_ context.Context, ref string) (chain.ContractState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[ref]; ok {
		return st, nil
	}
	return chain.StateUnknown, nil
}

func (c *fakeChain) payoutCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	store   *match.MemoryStore
	manager *match.Manager
	client  *fakeChain
	source  *memSource
	cursor  *memCursor
	pub     *recordingPub
	worker  *bridge.Worker
}

func newFixture() *fixture {
	store := match.NewMemoryStore()
	manager := match.NewManager(store, nil, 1_000, zerolog.Nop(), nil)
	client := &fakeChain{states: map[string]chain.ContractState{}}
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour, zerolog.Nop())
	settler := settle.NewService(store, guard, client, "kaspa-testnet-10", nil, zerolog.Nop(), nil)

	router := bridge.NewRouter(zerolog.Nop())
	bridge.RegisterEscrowRoutes(router, manager, store, settler, zerolog.Nop())

	source := &memSource{}
	cursor := &memCursor{}
	pub := &recordingPub{}
	return &fixture{
		store:   store,
		manager: manager,
		client:  client,
		source:  source,
		cursor:  cursor,
		pub:     pub,
		worker:  bridge.NewWorker(source, cursor, router, pub, zerolog.Nop(), nil),
	}
}

func (f *fixture) newJoinedMatch(t *testing.T) *domain.Match {
	t.Helper()
	ctx := context.Background()
	created, err := f.manager.Create(ctx, addrA, 100_000_000)
	if err != nil {
		t.Fatal(err)
	}
	joined, err := f.manager.Join(ctx, created.JoinCode, addrB)
	if err != nil {
		t.Fatal(err)
	}
	return joined
}

func depositArgs(id uuid.UUID, side, tx string) map[string]any {
	return map[string]any{"match_id": id.String(), "side": side, "tx_id": tx}
}

func TestWorker_AppliesDepositsInOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "b", "dep-b"))

	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchPlaying {
		t.Errorf("after both deposits: %s", got.Status)
	}
	if last, _ := f.cursor.Load(ctx); last != 2 {
		t.Errorf("cursor %d, want 2", last)
	}
}

func TestWorker_CursorHoldsOnTransientFailure(t *testing.T) {
	router := bridge.NewRouter(zerolog.Nop())
	h := &flakyHandler{failures: 2}
	router.Register("race_escrow", "deposit_confirmed", h.handle)

	source := &memSource{}
	cursor := &memCursor{}
	w := bridge.NewWorker(source, cursor, router, nil, zerolog.Nop(), nil)

	id := uuid.New()
	source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(id, "a", "t1"))
	source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(id, "b", "t2"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := w.Cycle(ctx); err == nil {
			t.Fatalf("cycle %d should have failed", i)
		}
		if last, _ := cursor.Load(ctx); last != 0 {
			t.Fatalf("cursor advanced past failure: %d", last)
		}
	}

	// Third cycle retries the same event and drains the rest.
	if _, err := w.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.seenIDs) != 2 || h.seenIDs[0] != 1 || h.seenIDs[1] != 2 {
		t.Errorf("applied ids %v, want [1 2]", h.seenIDs)
	}
	if last, _ := cursor.Load(ctx); last != 2 {
		t.Errorf("cursor %d, want 2", last)
	}
}

func TestWorker_PartialBatchAdvancesToFailurePoint(t *testing.T) {
	router := bridge.NewRouter(zerolog.Nop())
	applied := 0
	router.Register("race_escrow", "x", func(context.Context, domain.ChainEvent) error {
		applied++
		return nil
	})
	router.Register("race_escrow", "y", func(context.Context, domain.ChainEvent) error {
		return errors.New("down")
	})

	source := &memSource{}
	cursor := &memCursor{}
	w := bridge.NewWorker(source, cursor, router, nil, zerolog.Nop(), nil)

	source.add(bridge.EscrowContract, "x", nil)
	source.add(bridge.EscrowContract, "x", nil)
	source.add(bridge.EscrowContract, "y", nil)

	ctx := context.Background()
	if _, err := w.Cycle(ctx); err == nil {
		t.Fatal("cycle should fail on third event")
	}
	if last, _ := cursor.Load(ctx); last != 2 {
		t.Errorf("cursor %d, want 2 (applied prefix)", last)
	}
	if applied != 2 {
		t.Errorf("applied %d, want 2", applied)
	}
}

func TestWorker_SkipsMalformedAndUnroutableEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	// Malformed match id: rejected by validation, consumed.
	f.source.add(bridge.EscrowContract, "deposit_confirmed", map[string]any{"match_id": "not-a-uuid", "side": "a", "tx_id": "t"})
	// Unknown event name: no route, consumed.
	f.source.add(bridge.EscrowContract, "escrow_opened", depositArgs(m.ID, "a", "t"))
	// Unknown match: ErrNotFound, consumed.
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(uuid.New(), "a", "t"))
	// Valid deposit still applies after the junk.
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))

	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if last, _ := f.cursor.Load(ctx); last != 4 {
		t.Errorf("cursor %d, want 4", last)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.DepositAStatus != domain.DepositConfirmed {
		t.Errorf("deposit A not recorded: %s", got.DepositAStatus)
	}
}

func TestWorker_DuplicateDepositEventIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "b", "dep-b"))

	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchPlaying {
		t.Errorf("replayed deposit must not break the match: %s", got.Status)
	}
}

func TestWorker_OpportunisticSettlementAfterLateDeposit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	// Deposit A confirms, match starts playing via direct record of B.
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "b", "dep-b"))
	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := f.manager.RecordScore(ctx, m.ID, domain.SideA, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.RecordScore(ctx, m.ID, domain.SideB, 7); err != nil {
		t.Fatal(err)
	}

	// Chain-side score attestation arrives; the bridge notices the match
	// is eligible and settles it.
	f.source.add(bridge.EscrowContract, "scores_recorded", depositArgs(m.ID, "", ""))
	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchSettled {
		t.Errorf("status %s, want settled", got.Status)
	}
	if f.client.payoutCalls() != 1 {
		t.Errorf("payouts %d, want 1", f.client.payoutCalls())
	}
}

func TestWorker_RefundEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	f.source.add(bridge.EscrowContract, "escrow_refunded", depositArgs(m.ID, "", ""))
	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchRefunded {
		t.Errorf("status %s, want refunded", got.Status)
	}

	// Replaying the refund is consumed without error.
	f.source.add(bridge.EscrowContract, "escrow_refunded", depositArgs(m.ID, "", ""))
	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_ReportsFullBatch(t *testing.T) {
	router := bridge.NewRouter(zerolog.Nop())
	router.Register("race_escrow", "x", func(context.Context, domain.ChainEvent) error { return nil })

	source := &memSource{}
	w := bridge.NewWorker(source, &memCursor{}, router, nil, zerolog.Nop(), nil)

	ctx := context.Background()
	full, err := w.Cycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if full {
		t.Error("empty source reported a full batch")
	}
}

func TestWorker_BroadcastsDrainedEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	// One routed event and one the router has no handler for: both are
	// drained past, so both must reach subscribers.
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))
	f.source.add(bridge.EscrowContract, "escrow_opened", depositArgs(m.ID, "", ""))

	if _, err := f.worker.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	notes := f.pub.published()
	if len(notes) != 2 {
		t.Fatalf("published %d notifications, want 2", len(notes))
	}
	for i, want := range []string{"deposit_confirmed", "escrow_opened"} {
		if notes[i].scope != "chain" {
			t.Errorf("note %d scope %q, want chain", i, notes[i].scope)
		}
		if notes[i].id != bridge.EscrowContract {
			t.Errorf("note %d id %q, want %s", i, notes[i].id, bridge.EscrowContract)
		}
		if notes[i].event != want {
			t.Errorf("note %d event %q, want %q", i, notes[i].event, want)
		}
	}
}

func TestWorker_NoBroadcastPastFailedEvent(t *testing.T) {
	router := bridge.NewRouter(zerolog.Nop())
	router.Register("race_escrow", "ok", func(context.Context, domain.ChainEvent) error { return nil })
	router.Register("race_escrow", "boom", func(context.Context, domain.ChainEvent) error {
		return errors.New("storage unavailable")
	})

	source := &memSource{}
	pub := &recordingPub{}
	w := bridge.NewWorker(source, &memCursor{}, router, pub, zerolog.Nop(), nil)

	source.add(bridge.EscrowContract, "ok", nil)
	source.add(bridge.EscrowContract, "boom", nil)

	if _, err := w.Cycle(context.Background()); err == nil {
		t.Fatal("cycle should fail on second event")
	}
	notes := pub.published()
	if len(notes) != 1 || notes[0].event != "ok" {
		t.Errorf("notifications %v, want only the applied event", notes)
	}
}

func TestDepositTracker_ConfirmsPolledDeposits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	if _, err := f.manager.RegisterDeposit(ctx, m.ID, domain.SideA, "dep-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.RegisterDeposit(ctx, m.ID, domain.SideB, "dep-b"); err != nil {
		t.Fatal(err)
	}

	tracker := bridge.NewDepositTracker(f.manager, f.store, f.client, time.Second, zerolog.Nop(), nil)

	// Nothing confirmed on chain yet: sweep is a no-op.
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchDepositsPending {
		t.Fatalf("premature transition: %s", got.Status)
	}

	f.client.mu.Lock()
	f.client.states["dep-a"] = chain.StateConfirmed
	f.client.states["dep-b"] = chain.StateConfirmed
	f.client.mu.Unlock()

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchPlaying {
		t.Errorf("after confirmed sweep: %s", got.Status)
	}
}

func TestDepositTracker_RefundedContractState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.newJoinedMatch(t)

	if _, err := f.manager.RegisterDeposit(ctx, m.ID, domain.SideA, "dep-a"); err != nil {
		t.Fatal(err)
	}
	f.client.mu.Lock()
	f.client.states["dep-a"] = chain.StateRefunded
	f.client.mu.Unlock()

	tracker := bridge.NewDepositTracker(f.manager, f.store, f.client, time.Second, zerolog.Nop(), nil)
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != domain.MatchRefunded {
		t.Errorf("after refunded sweep: %s", got.Status)
	}
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture()
	m := f.newJoinedMatch(t)
	f.source.add(bridge.EscrowContract, "deposit_confirmed", depositArgs(m.ID, "a", "dep-a"))

	f.worker.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.store.Get(context.Background(), m.ID)
		if got.DepositAStatus == domain.DepositConfirmed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.worker.Stop()

	got, _ := f.store.Get(context.Background(), m.ID)
	if got.DepositAStatus != domain.DepositConfirmed {
		t.Error("worker loop never applied the event")
	}
}
