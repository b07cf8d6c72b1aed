// Package forkchain implements the blockchain (C7): it owns the fork
// point, the chain of locally built blocks, the shared remote cache,
// and the metadata-version registry, and exposes the queries the
// archive RPC surface is built on.
package forkchain

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"forkchain/blockbuilder"
	"forkchain/cachedb"
	"forkchain/inherent"
	"forkchain/internal/forkerr"
	"forkchain/localstate"
	"forkchain/remotestate"
	"forkchain/runtimeexec"
	"forkchain/txpool"
)

var log = logrus.WithField("component", "forkchain")

// StorageItem is one resolved (key, value) pair, used by both storage
// queries and call results.
type StorageItem struct {
	Key     []byte
	Present bool
	Value   []byte
}

// CallOutcome is the result of a non-persistent call_at_block.
type CallOutcome struct {
	Success bool
	Output  []byte
	Error   string
}

// ProviderFactory builds the ordered inherent-provider list for a new
// block build, given the block number about to be produced.
type ProviderFactory func(nextBlockNumber uint32) []inherent.Provider

// HeaderFactory builds the pre-encoded header bytes for the block
// following parent.
type HeaderFactory func(parent *blockbuilder.Block) []byte

// Chain owns one forked chain: the immutable fork point plus every
// locally built block, in order.
type Chain struct {
	mu sync.Mutex

	cache  *cachedb.Store
	client remotestate.Client
	remote *remotestate.Layer

	forkPoint *blockbuilder.Block
	blocks    []*blockbuilder.Block // locally built, forkPoint excluded

	// storage is the single long-lived local storage layer for this
	// fork: each successful build advances its currentBlockNumber and
	// commits into the shared on-disk cache, but deleted_prefixes
	// persists across the whole fork (spec §4.3), so it must not be
	// recreated per build.
	storage *localstate.Layer

	runtimeBytes []byte
	executor     *runtimeexec.Executor
	prototype    *runtimeexec.Prototype

	providers        ProviderFactory
	headerMaker      HeaderFactory
	pool             *txpool.Pool
	prefetchKeys     [][]byte
	prefetchPrefixes [][]byte

	// consensusMetadata is the runtime metadata bundle used solely to
	// auto-detect Aura/Babe consensus for header pre-digests (spec §4
	// supplemented feature). When set, it takes priority over
	// headerMaker so every built block carries the right PreRuntime
	// digest; nextSlot is a monotonically increasing per-chain counter
	// standing in for a wall-clock-derived slot.
	consensusMetadata []byte
	nextSlot          uint64
}

// Config bundles the construction-time dependencies of a Chain.
type Config struct {
	Cache             *cachedb.Store
	Client            remotestate.Client
	ForkBlockHash     []byte
	ForkBlockNumber   uint32
	ForkBlockHeader   []byte
	RuntimeBytes      []byte
	Providers         ProviderFactory
	HeaderMaker       HeaderFactory
	PoolCapacity      int
	PrefetchKeys      [][]byte
	PrefetchPrefixes  [][]byte
	ConsensusMetadata []byte
}

// New constructs a Chain whose fork point is the given block.
func New(cfg Config) *Chain {
	var forkHash [32]byte
	copy(forkHash[:], cfg.ForkBlockHash)

	remote := remotestate.NewLayer(cfg.Cache, cfg.Client, cfg.ForkBlockHash)
	forkPoint := &blockbuilder.Block{
		Number: cfg.ForkBlockNumber,
		Hash:   forkHash,
		Header: cfg.ForkBlockHeader,
	}
	storage := localstate.New(remote, cfg.Cache, cfg.ForkBlockNumber, cfg.ForkBlockNumber+1, nil)

	return &Chain{
		cache:             cfg.Cache,
		client:            cfg.Client,
		remote:            remote,
		forkPoint:         forkPoint,
		storage:           storage,
		runtimeBytes:      cfg.RuntimeBytes,
		executor:          runtimeexec.New(),
		providers:         cfg.Providers,
		headerMaker:       cfg.HeaderMaker,
		pool:              txpool.New(cfg.PoolCapacity),
		prefetchKeys:      cfg.PrefetchKeys,
		prefetchPrefixes:  cfg.PrefetchPrefixes,
		consensusMetadata: cfg.ConsensusMetadata,
	}
}

// Pool exposes the transaction pool so callers can submit extrinsics.
func (c *Chain) Pool() *txpool.Pool { return c.pool }

// Head returns the current chain head: the last locally built block,
// or the fork point if none has been built yet.
func (c *Chain) Head() *blockbuilder.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headLocked()
}

func (c *Chain) headLocked() *blockbuilder.Block {
	if n := len(c.blocks); n > 0 {
		return c.blocks[n-1]
	}
	return c.forkPoint
}

// HeadNumber returns the head block's number.
func (c *Chain) HeadNumber() uint32 { return c.Head().Number }

// HeadHash returns the head block's hash.
func (c *Chain) HeadHash() [32]byte { return c.Head().Hash }

// GenesisHash returns the hash of block 0. Block 0 predates the fork
// point for any chain forked after genesis, so this always resolves
// through the remote layer.
func (c *Chain) GenesisHash(ctx context.Context) ([32]byte, error) {
	rec, found, err := c.cache.GetBlockByNumber(0)
	if err != nil {
		return [32]byte{}, err
	}
	if found {
		var h [32]byte
		copy(h[:], rec.Hash)
		return h, nil
	}
	hash, ok, err := c.client.ChainGetBlockHash(ctx, 0)
	if err != nil {
		return [32]byte{}, err
	}
	if !ok {
		return [32]byte{}, forkerr.New(forkerr.KindNotFound, "forkchain.GenesisHash", fmt.Errorf("genesis block not found"))
	}
	var h [32]byte
	copy(h[:], hash)
	if err := c.cache.PutBlock(cachedb.BlockRecord{Number: 0, Hash: hash}); err != nil {
		return [32]byte{}, err
	}
	return h, nil
}

func (c *Chain) findLocal(predicate func(*blockbuilder.Block) bool) *blockbuilder.Block {
	if predicate(c.forkPoint) {
		return c.forkPoint
	}
	for _, b := range c.blocks {
		if predicate(b) {
			return b
		}
	}
	return nil
}

// BlockHashAt resolves the hash of the block at number n, checking the
// local chain first and falling through to the remote cache/RPC for
// pre-fork numbers.
func (c *Chain) BlockHashAt(ctx context.Context, n uint32) (hash [32]byte, found bool, err error) {
	c.mu.Lock()
	local := c.findLocal(func(b *blockbuilder.Block) bool { return b.Number == n })
	c.mu.Unlock()
	if local != nil {
		return local.Hash, true, nil
	}
	if n > c.HeadNumber() {
		return [32]byte{}, false, nil
	}

	rec, cached, err := c.cache.GetBlockByNumber(n)
	if err != nil {
		return [32]byte{}, false, err
	}
	if cached {
		var h [32]byte
		copy(h[:], rec.Hash)
		return h, true, nil
	}
	raw, ok, err := c.client.ChainGetBlockHash(ctx, n)
	if err != nil {
		return [32]byte{}, false, err
	}
	if !ok {
		return [32]byte{}, false, nil
	}
	var h [32]byte
	copy(h[:], raw)
	if err := c.cache.PutBlock(cachedb.BlockRecord{Number: n, Hash: raw}); err != nil {
		return [32]byte{}, false, err
	}
	return h, true, nil
}

// BlockNumberByHash resolves a hash to its block number, local chain
// first.
func (c *Chain) BlockNumberByHash(ctx context.Context, hash []byte) (number uint32, found bool, err error) {
	c.mu.Lock()
	local := c.findLocal(func(b *blockbuilder.Block) bool { return bytes.Equal(b.Hash[:], hash) })
	c.mu.Unlock()
	if local != nil {
		return local.Number, true, nil
	}
	rec, cached, err := c.cache.GetBlockByHash(hash)
	if err != nil {
		return 0, false, err
	}
	if cached {
		return rec.Number, true, nil
	}
	return 0, false, nil
}

// BlockHeader resolves a block's header bytes by hash, local chain
// first, falling through to remote for pre-fork blocks.
func (c *Chain) BlockHeader(ctx context.Context, hash []byte) (header []byte, found bool, err error) {
	c.mu.Lock()
	local := c.findLocal(func(b *blockbuilder.Block) bool { return bytes.Equal(b.Hash[:], hash) })
	c.mu.Unlock()
	if local != nil {
		return local.Header, true, nil
	}
	rec, cached, err := c.cache.GetBlockByHash(hash)
	if err == nil && cached && rec.Header != nil {
		return rec.Header, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := c.client.ChainGetHeader(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return raw, true, nil
}

// BlockBody resolves a block's extrinsic bytes by hash. The fork point
// is a remote block even though it is tracked locally, so its body
// still falls through to the cache/remote RPC path below.
func (c *Chain) BlockBody(ctx context.Context, hash []byte) (body [][]byte, found bool, err error) {
	c.mu.Lock()
	var builtLocal *blockbuilder.Block
	for _, b := range c.blocks {
		if bytes.Equal(b.Hash[:], hash) {
			builtLocal = b
			break
		}
	}
	c.mu.Unlock()
	if builtLocal != nil {
		cachedBody, cached, err := c.cache.GetBody(builtLocal.Number)
		if err != nil {
			return nil, false, err
		}
		if cached {
			return cachedBody, true, nil
		}
		return builtLocal.Body, true, nil
	}

	_, body, ok, err := c.client.ChainGetBlock(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return body, true, nil
}

// BlockParentHash resolves a block's parent hash by hash.
func (c *Chain) BlockParentHash(ctx context.Context, hash []byte) (parentHash [32]byte, found bool, err error) {
	c.mu.Lock()
	local := c.findLocal(func(b *blockbuilder.Block) bool { return bytes.Equal(b.Hash[:], hash) })
	c.mu.Unlock()
	if local != nil {
		return local.ParentHash, true, nil
	}
	rec, cached, err := c.cache.GetBlockByHash(hash)
	if err != nil {
		return [32]byte{}, false, err
	}
	if cached {
		var h [32]byte
		copy(h[:], rec.ParentHash)
		return h, true, nil
	}
	return [32]byte{}, false, nil
}
