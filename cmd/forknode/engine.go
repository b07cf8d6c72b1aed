package main

import (
	"context"
	"fmt"

	"forkchain/blockbuilder"
	"forkchain/cachedb"
	"forkchain/forkchain"
	"forkchain/inherent"
	"forkchain/localstate"
	"forkchain/remotestate"
)

// defaultProviders selects the inherent sequence by cfg.Chain.Kind: a
// relay chain advances the timestamp and marks parachain inclusion
// directly; a parachain advances the timestamp and submits a mock
// set_validation_data extrinsic patched with the new slot, against an
// empty relay proof (this engine has no separate relay-chain RPC
// connection to fetch a real one from).
func defaultProviders(nextBlockNumber uint32) []inherent.Provider {
	if cfg.Chain.Kind == "parachain" {
		return []inherent.Provider{
			&inherent.TimestampProvider{Kind: inherent.ChainKindParachain},
			&inherent.ParachainValidationDataProvider{
				RelayRootHash:   [32]byte{},
				RelayProofNodes: nil,
				NextSlot:        uint64(nextBlockNumber),
			},
		}
	}
	return []inherent.Provider{
		&inherent.TimestampProvider{Kind: inherent.ChainKindRelay},
		&inherent.RelayIncludedProvider{},
	}
}

// newChain forks at cfg.Chain.ForkBlock and returns a ready-to-use
// Chain. The caller owns the returned cache and client and must close
// both once the engine is no longer needed.
func newChain(ctx context.Context) (*forkchain.Chain, *cachedb.Store, *remotestate.WSClient, error) {
	if cfg.Chain.ForkBlock == 0 {
		return nil, nil, nil, fmt.Errorf("chain.fork_block must be set explicitly; determining the live finalized head is out of scope")
	}

	client, err := remotestate.DialWS(cfg.Chain.Endpoint)
	if err != nil {
		return nil, nil, nil, err
	}

	forkHash, ok, err := client.ChainGetBlockHash(ctx, cfg.Chain.ForkBlock)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	if !ok {
		client.Close()
		return nil, nil, nil, fmt.Errorf("fork block %d not found upstream", cfg.Chain.ForkBlock)
	}
	header, ok, err := client.ChainGetHeader(ctx, forkHash)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	if !ok {
		client.Close()
		return nil, nil, nil, fmt.Errorf("fork block header %d not found upstream", cfg.Chain.ForkBlock)
	}
	_, runtimeBytes, err := client.StateGetStorage(ctx, localstate.CodeKey, forkHash)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	metadata, err := client.StateGetMetadata(ctx, forkHash)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}

	cache, err := cachedb.Open(cfg.Cache.Dir)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}

	chain := forkchain.New(forkchain.Config{
		Cache:             cache,
		Client:            client,
		ForkBlockHash:     forkHash,
		ForkBlockNumber:   cfg.Chain.ForkBlock,
		ForkBlockHeader:   header,
		RuntimeBytes:      runtimeBytes,
		Providers:         defaultProviders,
		HeaderMaker:       blockbuilder.CreateNextHeader,
		PoolCapacity:      4096,
		ConsensusMetadata: metadata,
	})
	return chain, cache, client, nil
}
