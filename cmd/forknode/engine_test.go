package main

import (
	"testing"

	"forkchain/inherent"
	"forkchain/pkg/config"
)

func TestDefaultProvidersRelayChain(t *testing.T) {
	cfg = &config.Config{}
	cfg.Chain.Kind = "relay"

	provs := defaultProviders(101)
	if len(provs) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(provs))
	}
	ts, ok := provs[0].(*inherent.TimestampProvider)
	if !ok {
		t.Fatalf("expected the first provider to be a TimestampProvider, got %T", provs[0])
	}
	if ts.Kind != inherent.ChainKindRelay {
		t.Fatalf("expected ChainKindRelay, got %v", ts.Kind)
	}
	if _, ok := provs[1].(*inherent.RelayIncludedProvider); !ok {
		t.Fatalf("expected the second provider to be a RelayIncludedProvider, got %T", provs[1])
	}
}

func TestDefaultProvidersParachain(t *testing.T) {
	cfg = &config.Config{}
	cfg.Chain.Kind = "parachain"

	provs := defaultProviders(101)
	if len(provs) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(provs))
	}
	ts, ok := provs[0].(*inherent.TimestampProvider)
	if !ok {
		t.Fatalf("expected the first provider to be a TimestampProvider, got %T", provs[0])
	}
	if ts.Kind != inherent.ChainKindParachain {
		t.Fatalf("expected ChainKindParachain, got %v", ts.Kind)
	}
	validationData, ok := provs[1].(*inherent.ParachainValidationDataProvider)
	if !ok {
		t.Fatalf("expected the second provider to be a ParachainValidationDataProvider, got %T", provs[1])
	}
	if validationData.NextSlot != 101 {
		t.Fatalf("expected NextSlot 101, got %d", validationData.NextSlot)
	}
}
