package domain

import (
	"time"

	"github.com/google/uuid"
)

// MatchStatus is the lifecycle state of a two-player wager.
type MatchStatus string

const (
	MatchWaiting          MatchStatus = "waiting"
	MatchDepositsPending  MatchStatus = "deposits_pending"
	MatchPlaying          MatchStatus = "playing"
	MatchFinished         MatchStatus = "finished"
	MatchSettled          MatchStatus = "settled"
	MatchSettlementFailed MatchStatus = "settlement_failed"
	MatchCancelled        MatchStatus = "cancelled"
	MatchRefunded         MatchStatus = "refunded"
)

// Side identifies one of the two players in a match.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Winner is the determined outcome of a finished match.
type Winner string

const (
	WinnerUnset Winner = ""
	WinnerA     Winner = "a"
	WinnerB     Winner = "b"
	WinnerDraw  Winner = "draw"
)

// DepositStatus tracks one player's escrow deposit.
type DepositStatus string

const (
	DepositNone      DepositStatus = "none"
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
)

// SettlementStatus tracks the payout submission for a finished match.
type SettlementStatus string

const (
	SettlementNone      SettlementStatus = "none"
	SettlementComplete  SettlementStatus = "complete"
	SettlementFailedTag SettlementStatus = "failed"
)

// Match is a two-player race wager settled against the chain.
// Owned by the match state machine; mutated only through its operations.
type Match struct {
	ID        uuid.UUID
	JoinCode  string // 6 chars, stored upper-cased
	PlayerA   string // kaspa address
	PlayerB   string
	BetAmount int64 // sompi
	Status    MatchStatus

	DepositARef    string
	DepositAStatus DepositStatus
	DepositBRef    string
	DepositBStatus DepositStatus

	ScoreA *int64
	ScoreB *int64
	Winner Winner

	SettlementRef    string
	SettlementStatus SettlementStatus

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Funded reports whether both deposits are confirmed.
func (m *Match) Funded() bool {
	return m.DepositAStatus == DepositConfirmed && m.DepositBStatus == DepositConfirmed
}

// SettleEligible is the single settlement-eligibility predicate, checked
// from both the explicit settle path and the event bridge so the outcome
// does not depend on event-handler ordering.
func (m *Match) SettleEligible() bool {
	return m.Status == MatchFinished && m.Winner != WinnerUnset && m.Funded()
}

// PlayerFor returns the address on the given side.
func (m *Match) PlayerFor(side Side) string {
	if side == SideA {
		return m.PlayerA
	}
	return m.PlayerB
}
