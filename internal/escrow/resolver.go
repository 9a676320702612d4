// Package escrow decides how wagered funds are held per network.
//
// Two strategies exist: "covenant" generates a per-match address whose
// spends are restricted on chain (non-custodial), "fallback" routes
// deposits through a treasury-style address (custodial). Which strategy
// applies is a static capability of the target network, so the resolver
// must be consulted before any address generation or payout submission.
package escrow

import (
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// Strategy names the escrow code path the caller must take.
type Strategy string

const (
	StrategyCovenant Strategy = "covenant"
	StrategyFallback Strategy = "fallback"
)

// Mode describes what a network supports and which strategy to use.
type Mode struct {
	Network  string
	Covenant bool
	Fallback bool
	Use      Strategy
}

// capabilities is the static per-network table. Covenant-capable networks
// still carry the fallback flag for operator-forced custodial runs.
var capabilities = map[string]Mode{
	"kaspa-mainnet":    {Network: "kaspa-mainnet", Covenant: true, Fallback: true, Use: StrategyCovenant},
	"kaspa-testnet-10": {Network: "kaspa-testnet-10", Covenant: true, Fallback: true, Use: StrategyCovenant},
	"kaspa-testnet-11": {Network: "kaspa-testnet-11", Covenant: false, Fallback: true, Use: StrategyFallback},
	"kaspa-simnet":     {Network: "kaspa-simnet", Covenant: false, Fallback: true, Use: StrategyFallback},
	"kaspa-devnet":     {Network: "kaspa-devnet", Covenant: false, Fallback: true, Use: StrategyFallback},
}

// Resolve returns the escrow mode for a network. Pure lookup, no side
// effects. Unsupported networks fail with a ConfigError rather than
// defaulting: picking the wrong code path would strand deposits.
func Resolve(network string) (Mode, error) {
	mode, ok := capabilities[network]
	if !ok {
		return Mode{}, &domain.ConfigError{Key: "network", Value: network}
	}
	return mode, nil
}
