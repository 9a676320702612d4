// Package chain defines the narrow contract the core requires from the
// Kaspa RPC/indexing layer. The wire protocol, wallet cryptography, and
// transaction building live behind this boundary.
package chain

import (
	"context"
)

// PayoutStatus is the submission outcome reported by the node.
type PayoutStatus string

const (
	PayoutAccepted  PayoutStatus = "accepted"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutRejected  PayoutStatus = "rejected"
)

// Receipt identifies a submitted payout transaction.
type Receipt struct {
	Ref    string // transaction id
	Status PayoutStatus
}

// ContractState is the observed state of an escrow contract or deposit.
// Modeled purely as external truth: no timestamps or progress are ever
// inferred from the reference itself.
type ContractState string

const (
	StateUnknown   ContractState = "unknown"
	StatePending   ContractState = "pending"
	StateConfirmed ContractState = "confirmed"
	StateSpent     ContractState = "spent"
	StateRefunded  ContractState = "refunded"
)

// Client is the chain collaborator. Network-category failures are wrapped
// in domain.ExternalError with Retryable set so callers can distinguish
// them from hard rejections.
type Client interface {
	SubmitPayout(ctx context.Context, address string, amountSompi int64, memo string) (Receipt, error)
	ReadContractState(ctx context.Context, ref string) (ContractState, error)
}
