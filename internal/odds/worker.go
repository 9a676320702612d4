package odds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker drives the engine's tick cycle on a fixed interval. Each cycle
// evaluates only the newest telemetry snapshot per market.
type Worker struct {
	engine   *Engine
	interval time.Duration
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(engine *Engine, interval time.Duration, log zerolog.Logger) *Worker {
	return &Worker{engine: engine, interval: interval, log: log}
}

// Start launches the tick loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the pending timer and waits for the in-flight cycle to
// finish, so a tick is never half-published.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("odds tick worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("odds tick worker stopped")
			return
		case <-ticker.C:
			emitted, err := w.engine.EvaluateFresh(context.WithoutCancel(ctx))
			if err != nil {
				w.log.Error().Err(err).Msg("tick cycle failed")
				continue
			}
			if emitted > 0 {
				w.log.Debug().Int("emitted", emitted).Msg("tick cycle")
			}
		}
	}
}
