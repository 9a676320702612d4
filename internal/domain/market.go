package domain

import "time"

// MarketState is the odds-quoting state of one in-progress race.
type MarketState string

const (
	MarketOpen    MarketState = "open"
	MarketLocked  MarketState = "locked"
	MarketSettled MarketState = "settled"
)

// Market is the live odds-quoting entity tied to one race.
type Market struct {
	ID           string
	State        MarketState
	LastProbABps int
	UpdatedAt    time.Time
}

// OddsTick is one published probability pair. Seq is strictly increasing
// and gapless per market, including across process restarts.
type OddsTick struct {
	MarketID  string
	Seq       int64
	ProbABps  int
	ProbBBps  int
	Final     bool // the frozen tick written by a market lock
	CreatedAt time.Time
}
