// Package bridge ingests decoded chain events in deterministic order and
// applies them to local state. The cursor (last applied event id) only
// advances after an event is durably applied, so a crash or a transient
// failure replays from the exact failure point. Handlers must therefore
// be idempotent.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/observability"
)

// EventSource yields decoded chain events strictly ordered by id.
type EventSource interface {
	FetchAfter(ctx context.Context, afterID int64, limit int) ([]domain.ChainEvent, error)
}

// CursorStore persists the last applied event id across restarts.
type CursorStore interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, lastID int64) error
}

// Publisher mirrors drained chain events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, scope, id, event string, payload any) error
}

const (
	// fastInterval applies while the source is still yielding full
	// batches; slowInterval applies once the worker has caught up.
	fastInterval = 500 * time.Millisecond
	slowInterval = 5 * time.Second

	defaultBatchSize = 100
)

// Worker drains the event source into the router.
type Worker struct {
	source  EventSource
	cursor  CursorStore
	router  *Router
	pub     Publisher
	batch   int
	log     zerolog.Logger
	metrics *observability.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(source EventSource, cursor CursorStore, router *Router, pub Publisher, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		source:  source,
		cursor:  cursor,
		router:  router,
		pub:     pub,
		batch:   defaultBatchSize,
		log:     log,
		metrics: metrics,
	}
}

// Start launches the polling loop. Stop waits for the in-flight cycle.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	interval := fastInterval
	for {
		full, err := w.Cycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("bridge cycle failed")
		}
		if full {
			interval = fastInterval
		} else {
			interval = slowInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Cycle fetches and applies one batch. It reports whether the batch was
// full, which keeps the loop in fast polling while catching up.
func (w *Worker) Cycle(ctx context.Context) (bool, error) {
	started := time.Now()
	last, err := w.cursor.Load(ctx)
	if err != nil {
		return false, err
	}

	events, err := w.source.FetchAfter(ctx, last, w.batch)
	if err != nil {
		return false, err
	}

	for _, ev := range events {
		if err := w.apply(ctx, ev); err != nil {
			// Transient failure: leave the cursor where it is and retry
			// the same event next cycle. Order is never violated by
			// skipping ahead.
			w.saveCursor(ctx, last)
			return false, err
		}
		w.broadcastRaw(ctx, ev)
		last = ev.ID
	}
	w.saveCursor(ctx, last)

	if w.metrics != nil {
		w.metrics.BridgeCycleSeconds.Observe(time.Since(started).Seconds())
	}
	return len(events) == w.batch, nil
}

// apply dispatches one event, classifying failures. Domain rejections
// can never succeed on retry, so they are logged and consumed; anything
// else halts the cycle for a same-cursor retry.
func (w *Worker) apply(ctx context.Context, ev domain.ChainEvent) error {
	err := w.router.Dispatch(ctx, ev)
	if err == nil {
		if w.metrics != nil {
			w.metrics.BridgeEventsApplied.Inc()
		}
		return nil
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState) {
		w.log.Warn().
			Int64("event_id", ev.ID).
			Str("contract", ev.Contract).
			Str("name", ev.Name).
			Err(err).
			Msg("chain event rejected, skipping")
		if w.metrics != nil {
			w.metrics.BridgeEventsSkipped.Inc()
		}
		return nil
	}
	if w.metrics != nil {
		w.metrics.BridgeEventsFailed.Inc()
	}
	return err
}

// broadcastRaw mirrors one drained event to subscribers before the
// cursor moves past it. Publication is advisory: consumers can always
// re-read the event log from their own position.
func (w *Worker) broadcastRaw(ctx context.Context, ev domain.ChainEvent) {
	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(ctx, "chain", ev.Contract, ev.Name, ev); err != nil {
		w.log.Warn().
			Int64("event_id", ev.ID).
			Str("contract", ev.Contract).
			Str("name", ev.Name).
			Err(err).
			Msg("chain event broadcast failed")
	}
}

func (w *Worker) saveCursor(ctx context.Context, lastID int64) {
	if err := w.cursor.Save(ctx, lastID); err != nil {
		// Losing a save replays already-applied events after restart;
		// handlers are idempotent so correctness holds.
		w.log.Warn().Int64("cursor", lastID).Err(err).Msg("persist bridge cursor")
		return
	}
	if w.metrics != nil {
		w.metrics.BridgeCursor.Set(float64(lastID))
	}
}
