// Package blockbuilder implements the phased block-building state
// machine (C6): it drives the runtime's standard entry points against
// the storage stack, accumulating a new block and handling mid-sequence
// runtime upgrades.
package blockbuilder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"forkchain/inherent"
	"forkchain/internal/forkerr"
	"forkchain/internal/hashutil"
	"forkchain/localstate"
	"forkchain/remotestate"
	"forkchain/runtimeexec"
)

var log = logrus.WithField("component", "blockbuilder")

// Entry points the runtime is expected to export (GLOSSARY: Runtime
// entry point).
const (
	EntryInitializeBlock = "Core_initialize_block"
	EntryApplyExtrinsic  = "BlockBuilder_apply_extrinsic"
	EntryFinalizeBlock   = "BlockBuilder_finalize_block"
	EntryMetadata        = "Metadata_metadata"
)

// Phase is the builder's state machine position.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitialized
	PhaseInherentsApplied
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "Created"
	case PhaseInitialized:
		return "Initialized"
	case PhaseInherentsApplied:
		return "InherentsApplied"
	case PhaseFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// ApplyExtrinsicResult is the outcome of applying one user extrinsic.
type ApplyExtrinsicResult struct {
	Success        bool
	StorageChanges int
	DispatchError  string
}

func phaseErr(op string, got, want Phase) error {
	return forkerr.New(forkerr.KindPhaseError, op, fmt.Errorf("called in phase %s, expected %s", got, want))
}

// Builder drives one block build cycle against a parent Block.
type Builder struct {
	parent       *Block
	executor     *runtimeexec.Executor
	runtimeBytes []byte
	remote       *remotestate.Layer
	storage      *localstate.Layer
	header       []byte
	providers    []inherent.Provider
	prototype    *runtimeexec.Prototype
	skipPrefetch bool

	prefetchKeys     [][]byte
	prefetchPrefixes [][]byte
	prefetchPageSize int

	phase           Phase
	body            [][]byte
	runtimeUpgraded bool
}

// New constructs a Builder for the block following parent.
func New(parent *Block, executor *runtimeexec.Executor, runtimeBytes []byte, remote *remotestate.Layer, storage *localstate.Layer, header []byte, providers []inherent.Provider, prototype *runtimeexec.Prototype, skipPrefetch bool) *Builder {
	return &Builder{
		parent:           parent,
		executor:         executor,
		runtimeBytes:     runtimeBytes,
		remote:           remote,
		storage:          storage,
		header:           header,
		providers:        providers,
		prototype:        prototype,
		skipPrefetch:     skipPrefetch,
		prefetchPageSize: 200,
		phase:            PhaseCreated,
	}
}

// SetPrefetchHints tells Initialize which single keys and pallet
// prefixes to warm from the parent's metadata, per spec §4.6.
func (b *Builder) SetPrefetchHints(keys [][]byte, prefixes [][]byte, pageSize int) {
	b.prefetchKeys = keys
	b.prefetchPrefixes = prefixes
	if pageSize > 0 {
		b.prefetchPageSize = pageSize
	}
}

// Phase returns the builder's current state.
func (b *Builder) Phase() Phase { return b.phase }

// RuntimeUpgraded reports whether the well-known runtime-code key was
// written during this build.
func (b *Builder) RuntimeUpgraded() bool { return b.runtimeUpgraded }

// Header returns the pre-encoded header bytes this builder was opened
// with, passed to Core_initialize_block.
func (b *Builder) Header() []byte { return b.header }

func (b *Builder) storageView(ctx context.Context) runtimeexec.StorageView {
	return storageViewAdapter{ctx: ctx, layer: b.storage, block: b.storage.CurrentBlockNumber()}
}

func (b *Builder) applyDiff(diff []runtimeexec.DiffEntry) {
	for _, e := range diff {
		b.storage.Set(e.Key, e.Present, e.Value)
	}
}

// logStorageStats reports the remote-layer hit/miss/RPC counters
// accumulated since the last reset, tagged with which builder phase
// they cover.
func (b *Builder) logStorageStats(phaseName string) {
	s := b.remote.StatsSnapshot()
	log.WithFields(logrus.Fields{
		"phase":        phaseName,
		"cache_hits":   s.CacheHits,
		"cache_misses": s.CacheMisses,
		"rpc_calls":    s.RpcCalls,
		"rpc_retries":  s.RpcRetries,
	}).Info("storage access stats")
}

// Initialize pre-warms the cache (best-effort) and calls
// Core_initialize_block, transitioning Created -> Initialized.
func (b *Builder) Initialize(ctx context.Context) error {
	if b.phase != PhaseCreated {
		return phaseErr("Initialize", b.phase, PhaseCreated)
	}

	b.remote.ResetStats()
	if !b.skipPrefetch {
		b.prewarm(ctx)
	}

	result, proto, err := b.executor.CallWithPrototype(b.prototype, b.runtimeBytes, EntryInitializeBlock, b.header, b.storageView(ctx))
	if err != nil {
		return err
	}
	b.prototype = proto
	b.applyDiff(result.Diff)
	b.phase = PhaseInitialized
	b.logStorageStats("initialize")
	log.WithField("block", b.storage.CurrentBlockNumber()).Info("initialized block")
	return nil
}

// prewarm batch-fetches every single-key item and the first page of
// every pallet prefix listed by SetPrefetchHints. Failures are logged
// and otherwise ignored (spec §9: prefetch is never allowed to fail a
// block build).
func (b *Builder) prewarm(ctx context.Context) {
	forkBlock := b.parent.Number
	if len(b.prefetchKeys) > 0 {
		if _, err := b.remote.GetBatch(ctx, forkBlock, b.prefetchKeys); err != nil {
			log.WithError(err).Warn("prefetch of single-key storage items failed, continuing without it")
		}
	}
	for _, prefix := range b.prefetchPrefixes {
		if err := b.remote.PrefetchPrefixSinglePage(ctx, forkBlock, prefix, b.prefetchPageSize); err != nil {
			log.WithError(err).WithField("prefix", fmt.Sprintf("%x", prefix)).Warn("prefix prefetch failed, continuing without it")
		}
	}
}

// ApplyInherents collects and applies every provider's inherent
// extrinsics in registration order, transitioning Initialized ->
// InherentsApplied.
func (b *Builder) ApplyInherents(ctx context.Context) error {
	if b.phase != PhaseInitialized {
		if b.phase == PhaseCreated {
			return phaseErr("ApplyInherents", b.phase, PhaseInitialized)
		}
		return phaseErr("ApplyInherents", b.phase, PhaseInitialized)
	}

	b.remote.ResetStats()
	parentAdapter := b.storage

	for _, provider := range b.providers {
		extrinsics, err := provider.Provide(ctx, parentAdapter)
		if err != nil {
			return err
		}
		for _, ex := range extrinsics {
			result, proto, err := b.executor.CallWithPrototype(b.prototype, b.runtimeBytes, EntryApplyExtrinsic, ex, b.storageView(ctx))
			if err != nil {
				return err
			}
			b.prototype = proto
			ok, dispatchOk, dispatchErr := decodeApplyExtrinsicResult(result.Output)
			if !ok || !dispatchOk {
				return forkerr.New(forkerr.KindDispatchFailed, "blockbuilder.ApplyInherents",
					fmt.Errorf("inherent %q failed: %s", provider.Identifier(), dispatchErr))
			}
			b.applyDiff(result.Diff)
			b.body = append(b.body, ex)
		}
		if err := provider.ApplyDirect(ctx, b.storage); err != nil {
			return err
		}
	}

	b.phase = PhaseInherentsApplied
	b.logStorageStats("apply_inherents")
	log.WithField("block", b.storage.CurrentBlockNumber()).Info("applied inherents")
	return nil
}

// ApplyExtrinsic applies one user extrinsic. A dispatch failure
// discards its diff and is reported as a DispatchFailed result rather
// than an error (spec §4.6, §7).
func (b *Builder) ApplyExtrinsic(ctx context.Context, bytes []byte) (ApplyExtrinsicResult, error) {
	if b.phase != PhaseInherentsApplied {
		return ApplyExtrinsicResult{}, phaseErr("ApplyExtrinsic", b.phase, PhaseInherentsApplied)
	}

	b.remote.ResetStats()
	result, proto, err := b.executor.CallWithPrototype(b.prototype, b.runtimeBytes, EntryApplyExtrinsic, bytes, b.storageView(ctx))
	if err != nil {
		return ApplyExtrinsicResult{}, err
	}
	b.prototype = proto

	ok, dispatchOk, dispatchErr := decodeApplyExtrinsicResult(result.Output)
	if !ok {
		return ApplyExtrinsicResult{Success: false, DispatchError: "transaction invalid"}, nil
	}
	if !dispatchOk {
		return ApplyExtrinsicResult{Success: false, DispatchError: dispatchErr}, nil
	}

	b.applyDiff(result.Diff)
	b.body = append(b.body, bytes)
	b.logStorageStats("apply_extrinsic")
	return ApplyExtrinsicResult{Success: true, StorageChanges: len(result.Diff)}, nil
}

// Finalize calls BlockBuilder_finalize_block, detects a completed
// runtime upgrade, and produces the new Block.
func (b *Builder) Finalize(ctx context.Context) (*Block, *runtimeexec.Prototype, error) {
	if b.phase != PhaseInherentsApplied {
		return nil, nil, phaseErr("Finalize", b.phase, PhaseInherentsApplied)
	}

	b.remote.ResetStats()
	result, proto, err := b.executor.CallWithPrototype(b.prototype, b.runtimeBytes, EntryFinalizeBlock, nil, b.storageView(ctx))
	if err != nil {
		return nil, nil, err
	}
	b.prototype = proto
	b.applyDiff(result.Diff)

	metadataChanged, err := b.storage.HasCodeChangedAt(b.parent.Number)
	if err != nil {
		return nil, nil, err
	}
	if metadataChanged {
		metaResult, proto, err := b.executor.CallWithPrototype(b.prototype, b.runtimeBytes, EntryMetadata, nil, b.storageView(ctx))
		if err != nil {
			return nil, nil, err
		}
		b.prototype = proto
		b.storage.RegisterMetadataVersion(b.storage.CurrentBlockNumber(), metaResult.Output)
		log.WithField("block", b.storage.CurrentBlockNumber()).Info("registered new metadata after runtime upgrade")
	}

	upgraded, err := b.storage.HasCodeChangedAt(b.storage.CurrentBlockNumber())
	if err != nil {
		return nil, nil, err
	}
	b.runtimeUpgraded = upgraded

	finalHeader := result.Output
	hash := hashutil.Blake2_256(finalHeader)

	block := &Block{
		Number:     b.parent.Number + 1,
		Hash:       hash,
		ParentHash: b.parent.Hash,
		Header:     finalHeader,
		Body:       b.body,
		Parent:     b.parent,
	}

	if err := b.storage.Commit(); err != nil {
		return nil, nil, err
	}

	b.phase = PhaseFinalized
	b.logStorageStats("finalize")
	log.WithFields(logrus.Fields{"number": block.Number, "hash": hashutil.HexLower(block.Hash)}).Info("finalized block")

	returnedPrototype := b.prototype
	if upgraded {
		returnedPrototype = nil
	}
	return block, returnedPrototype, nil
}

// decodeApplyExtrinsicResult decodes the engine's own opaque two-level
// Result<Result<(), DispatchError>, TransactionValidityError> encoding:
// byte 0 == 0x00 means the outer transaction-validity check passed;
// byte 1 == 0x00 (if present) means the inner dispatch succeeded. Any
// other combination means failure, with the remaining bytes as a
// human-readable message.
func decodeApplyExtrinsicResult(output []byte) (outerOk bool, dispatchOk bool, message string) {
	if len(output) == 0 || output[0] != 0x00 {
		return false, false, "transaction invalid"
	}
	if len(output) < 2 || output[1] != 0x00 {
		msg := "dispatch failed"
		if len(output) > 2 {
			msg = string(output[2:])
		}
		return true, false, msg
	}
	return true, true, ""
}

type storageViewAdapter struct {
	ctx   context.Context
	layer *localstate.Layer
	block uint32
}

func (a storageViewAdapter) Get(key []byte) (bool, []byte, error) {
	v, err := a.layer.Get(a.ctx, a.block, key)
	if err != nil {
		return false, nil, err
	}
	return v.Present, v.Value, nil
}
