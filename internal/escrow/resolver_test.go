package escrow_test

import (
	"errors"
	"testing"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/escrow"
)

func TestResolve_CovenantNetworks(t *testing.T) {
	for _, network := range []string{"kaspa-mainnet", "kaspa-testnet-10"} {
		mode, err := escrow.Resolve(network)
		if err != nil {
			t.Fatalf("%s: %v", network, err)
		}
		if !mode.Covenant {
			t.Errorf("%s: covenant capability should be set", network)
		}
		if mode.Use != escrow.StrategyCovenant {
			t.Errorf("%s: strategy got %s, want covenant", network, mode.Use)
		}
	}
}

func TestResolve_FallbackOnlyNetworks(t *testing.T) {
	for _, network := range []string{"kaspa-testnet-11", "kaspa-simnet", "kaspa-devnet"} {
		mode, err := escrow.Resolve(network)
		if err != nil {
			t.Fatalf("%s: %v", network, err)
		}
		if mode.Covenant {
			t.Errorf("%s: covenant capability should not be set", network)
		}
		if mode.Use != escrow.StrategyFallback {
			t.Errorf("%s: strategy got %s, want fallback", network, mode.Use)
		}
	}
}

func TestResolve_UnsupportedNetwork(t *testing.T) {
	_, err := escrow.Resolve("litecoin")
	if err == nil {
		t.Fatal("expected error for unsupported network")
	}
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestResolve_Pure(t *testing.T) {
	a, _ := escrow.Resolve("kaspa-mainnet")
	b, _ := escrow.Resolve("kaspa-mainnet")
	if a != b {
		t.Error("resolve should be deterministic")
	}
}
