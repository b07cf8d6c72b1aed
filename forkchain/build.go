package forkchain

import (
	"bytes"
	"context"

	"forkchain/blockbuilder"
	"forkchain/cachedb"
	"forkchain/internal/hashutil"
	"forkchain/localstate"
)

// Storage resolves key at the current head.
func (c *Chain) Storage(ctx context.Context, key []byte) (StorageItem, error) {
	return c.StorageAt(ctx, c.HeadNumber(), key)
}

// StorageAt resolves key as of block.
func (c *Chain) StorageAt(ctx context.Context, block uint32, key []byte) (StorageItem, error) {
	v, err := c.storage.Get(ctx, block, key)
	if err != nil {
		return StorageItem{}, err
	}
	return StorageItem{Key: key, Present: v.Present, Value: v.Value}, nil
}

// SetStorageForTesting writes key directly at the head, bypassing the
// runtime and the builder entirely. Test-only, per spec §4.7.
func (c *Chain) SetStorageForTesting(key []byte, present bool, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage.Set(key, present, value)
}

// IsDeleted reports whether prefix is currently marked deleted on the
// fork's local storage layer.
func (c *Chain) IsDeleted(prefix string) bool {
	return c.storage.IsDeleted(prefix)
}

// CommitForTesting flushes pending SetStorageForTesting writes into a
// validity range at the current block number and advances it, without
// driving a real build cycle. Test-only, mirroring SetStorageForTesting.
func (c *Chain) CommitForTesting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.Commit()
}

func (c *Chain) newBuilder(parent *blockbuilder.Block) *blockbuilder.Builder {
	var header []byte
	if c.consensusMetadata != nil {
		c.nextSlot++
		header = blockbuilder.CreateNextHeaderWithSlot(parent, c.consensusMetadata, c.nextSlot)
	} else {
		header = c.headerMaker(parent)
	}
	provs := c.providers(parent.Number + 1)
	b := blockbuilder.New(parent, c.executor, c.runtimeBytes, c.remote, c.storage, header, provs, c.prototype, false)
	b.SetPrefetchHints(c.prefetchKeys, c.prefetchPrefixes, 200)
	return b
}

// runBuildCycle drives the full Initialize -> ApplyInherents ->
// (each extrinsic) -> Finalize cycle against the current head,
// appending the resulting block on success.
func (c *Chain) runBuildCycle(ctx context.Context, extrinsics [][]byte) (*blockbuilder.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.headLocked()
	b := c.newBuilder(parent)

	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := b.ApplyInherents(ctx); err != nil {
		return nil, err
	}
	for _, ex := range extrinsics {
		if _, err := b.ApplyExtrinsic(ctx, ex); err != nil {
			return nil, err
		}
		// Dispatch failures are dropped silently per C8's contract;
		// ApplyExtrinsic itself already discarded the diff.
	}
	block, nextPrototype, err := b.Finalize(ctx)
	if err != nil {
		return nil, err
	}

	c.blocks = append(c.blocks, block)
	if err := c.cache.PutBlock(blockRecordOf(block)); err != nil {
		return nil, err
	}
	if err := c.cache.PutBody(block.Number, block.Body); err != nil {
		return nil, err
	}
	if err := c.refreshRuntimeBytesIfUpgraded(ctx, block.Number, b.RuntimeUpgraded()); err != nil {
		return nil, err
	}
	if !b.RuntimeUpgraded() {
		c.prototype = nextPrototype
	}

	log.WithFields(map[string]interface{}{
		"number": block.Number,
		"hash":   hashutil.HexLower(block.Hash),
		"body":   len(block.Body),
	}).Info("built block")
	return block, nil
}

// refreshRuntimeBytesIfUpgraded discards the cached wasm prototype and
// reloads c.runtimeBytes from the just-committed :code value once a
// runtime upgrade at blockNumber has been observed, so the next build
// cycle compiles and executes against the new runtime instead of the
// stale bytes captured at fork time. Called with c.mu already held.
func (c *Chain) refreshRuntimeBytesIfUpgraded(ctx context.Context, blockNumber uint32, upgraded bool) error {
	if !upgraded {
		return nil
	}
	c.prototype = nil
	newCode, err := c.storage.Get(ctx, blockNumber, localstate.CodeKey)
	if err != nil {
		return err
	}
	if newCode.Present {
		c.runtimeBytes = newCode.Value
	}
	log.WithField("block", blockNumber).Info("reloaded runtime bytes after upgrade")
	return nil
}

// BuildEmptyBlock runs the full build cycle with no user extrinsics.
func (c *Chain) BuildEmptyBlock(ctx context.Context) (*blockbuilder.Block, error) {
	return c.runBuildCycle(ctx, nil)
}

// BuildBlockWithExtrinsics runs the full build cycle, draining the
// given extrinsics in order. Pass nil to instead drain the pool.
func (c *Chain) BuildBlockWithExtrinsics(ctx context.Context, extrinsics [][]byte) (*blockbuilder.Block, error) {
	if extrinsics == nil {
		return c.BuildNextFromPool(ctx)
	}
	return c.runBuildCycle(ctx, extrinsics)
}

// BuildNextFromPool drains the transaction pool in submission order and
// builds one block from the result.
func (c *Chain) BuildNextFromPool(ctx context.Context) (*blockbuilder.Block, error) {
	entries := c.pool.DrainAll()
	extrinsics := make([][]byte, len(entries))
	for i, e := range entries {
		extrinsics[i] = e.Bytes
	}
	return c.runBuildCycle(ctx, extrinsics)
}

// CallAtBlock executes entryPoint against a throwaway local-storage
// layer derived from the block referenced by hash. Any writes are
// discarded; they never reach the shared on-disk cache (spec §4.7,
// §9 "non-persistent calls").
func (c *Chain) CallAtBlock(ctx context.Context, hash []byte, entryPoint string, input []byte) (*CallOutcome, bool, error) {
	c.mu.Lock()
	target := c.findLocal(func(b *blockbuilder.Block) bool {
		return bytes.Equal(b.Hash[:], hash)
	})
	forkPointNumber := c.forkPoint.Number
	metadataSnapshot := c.storage.MetadataRegistrySnapshot()
	remote := c.remote
	cache := c.cache
	runtimeBytes := c.runtimeBytes
	executor := c.executor
	c.mu.Unlock()

	if target == nil {
		return nil, false, nil
	}

	ephemeral := localstate.New(remote, cache, forkPointNumber, target.Number, metadataSnapshot)
	view := ephemeralStorageView{ctx: ctx, layer: ephemeral, block: target.Number}

	result, _, err := executor.CallWithPrototype(nil, runtimeBytes, entryPoint, input, view)
	if err != nil {
		return &CallOutcome{Success: false, Error: err.Error()}, true, nil
	}
	return &CallOutcome{Success: true, Output: result.Output}, true, nil
}

type ephemeralStorageView struct {
	ctx   context.Context
	layer *localstate.Layer
	block uint32
}

func (v ephemeralStorageView) Get(key []byte) (bool, []byte, error) {
	val, err := v.layer.Get(v.ctx, v.block, key)
	if err != nil {
		return false, nil, err
	}
	return val.Present, val.Value, nil
}

func blockRecordOf(b *blockbuilder.Block) cachedb.BlockRecord {
	return cachedb.BlockRecord{
		Number:     b.Number,
		Hash:       append([]byte(nil), b.Hash[:]...),
		ParentHash: append([]byte(nil), b.ParentHash[:]...),
		Header:     b.Header,
	}
}
