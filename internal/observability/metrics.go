package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the racing core.
type Metrics struct {
	// Match lifecycle
	MatchTransitions *prometheus.CounterVec

	// Odds engine
	OddsTicksEmitted  prometheus.Counter
	OddsTicksWithheld prometheus.Counter
	OddsLastSeq       *prometheus.GaugeVec
	MarketsLocked     prometheus.Counter

	// Settlement
	SettlementsTotal *prometheus.CounterVec
	PayoutErrors     prometheus.Counter

	// Idempotency
	IdempotencyDuplicates prometheus.Counter

	// Chain event bridge
	BridgeEventsApplied prometheus.Counter
	BridgeEventsSkipped prometheus.Counter
	BridgeEventsFailed  prometheus.Counter
	BridgeCursor        prometheus.Gauge
	BridgeCycleSeconds  prometheus.Histogram

	// Deposit tracking
	DepositSweeps     prometheus.Counter
	DepositsConfirmed prometheus.Counter
}

// NewMetrics creates all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg. Tests pass a fresh
// registry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MatchTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "race_match_transitions_total",
			Help: "Match state transitions by resulting status",
		}, []string{"status"}),

		OddsTicksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_odds_ticks_emitted_total",
			Help: "Odds ticks persisted and broadcast",
		}),

		OddsTicksWithheld: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_odds_ticks_withheld_total",
			Help: "Odds evaluations suppressed by the movement threshold",
		}),

		OddsLastSeq: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "race_odds_last_seq",
			Help: "Last emitted tick sequence per market",
		}, []string{"market_id"}),

		MarketsLocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_markets_locked_total",
			Help: "Markets locked for settlement",
		}),

		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "race_settlements_total",
			Help: "Completed settlements by outcome",
		}, []string{"outcome"}),

		PayoutErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_payout_errors_total",
			Help: "Payout submissions that failed",
		}),

		IdempotencyDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_idempotency_duplicates_total",
			Help: "Operations short-circuited by a committed idempotency record",
		}),

		BridgeEventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_bridge_events_applied_total",
			Help: "Chain events applied to local state",
		}),

		BridgeEventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_bridge_events_skipped_total",
			Help: "Chain events rejected by domain rules and consumed",
		}),

		BridgeEventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_bridge_events_failed_total",
			Help: "Chain event applications that halted a cycle",
		}),

		BridgeCursor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "race_bridge_cursor",
			Help: "Last applied chain event id",
		}),

		BridgeCycleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "race_bridge_cycle_seconds",
			Help:    "Bridge fetch-and-apply cycle duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		DepositSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_deposit_sweeps_total",
			Help: "Deposit tracker sweep cycles",
		}),

		DepositsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "race_deposits_confirmed_total",
			Help: "Escrow deposits confirmed via polling",
		}),
	}
}
