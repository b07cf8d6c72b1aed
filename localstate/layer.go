// Package localstate implements the local storage layer (C3): the
// per-fork write side. It overlays in-memory modifications and a
// deleted-prefix set on top of the remote read-through layer, and
// commits produce validity ranges in the on-disk cache.
package localstate

import (
	"context"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"forkchain/cachedb"
	"forkchain/internal/forkerr"
	"forkchain/remotestate"
)

var log = logrus.WithField("component", "localstate")

// CodeKey is the well-known runtime-code storage key; writing it
// constitutes a runtime upgrade (spec GLOSSARY).
var CodeKey = []byte(":code")

// Value is an optional byte value: Present=false encodes "absent".
type Value struct {
	Present bool
	Value   []byte
}

// MetadataBundle is one entry of the metadata-version registry, keyed
// by the first block that uses it.
type MetadataBundle struct {
	UpgradeBlock uint32
	Bytes        []byte
}

// Layer is one fork's local mutation view, backed by the shared remote
// layer and on-disk cache. forkchain.Chain keeps one Layer for the whole
// fork and advances it with Commit after each build; only non-persistent
// calls get a throwaway Layer of their own.
type Layer struct {
	mu sync.Mutex

	remote *remotestate.Layer
	cache  *cachedb.Store

	forkPointNumber    uint32
	currentBlockNumber uint32

	modifications   map[string]Value
	modifiedOrder   []string
	deletedPrefixes mapset.Set[string]

	metadataRegistry []MetadataBundle
}

// New constructs a local storage layer whose in-progress block is
// currentBlockNumber (one past the parent's), fed by remote and cache.
func New(remote *remotestate.Layer, cache *cachedb.Store, forkPointNumber, currentBlockNumber uint32, inheritedMetadata []MetadataBundle) *Layer {
	registry := make([]MetadataBundle, len(inheritedMetadata))
	copy(registry, inheritedMetadata)
	return &Layer{
		remote:             remote,
		cache:              cache,
		forkPointNumber:    forkPointNumber,
		currentBlockNumber: currentBlockNumber,
		modifications:      make(map[string]Value),
		deletedPrefixes:    mapset.NewSet[string](),
		metadataRegistry:   registry,
	}
}

// CurrentBlockNumber returns the block this layer is currently building.
func (l *Layer) CurrentBlockNumber() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentBlockNumber
}

func isDeletedPrefix(set mapset.Set[string], key string) bool {
	deleted := false
	set.Each(func(p string) bool {
		if strings.HasPrefix(key, p) {
			deleted = true
			return true
		}
		return false
	})
	return deleted
}

// Get resolves key at block, applying the layering rules of spec §4.3.
func (l *Layer) Get(ctx context.Context, block uint32, key []byte) (Value, error) {
	l.mu.Lock()
	mod, inMods := l.modifications[string(key)]
	deleted := !inMods && isDeletedPrefix(l.deletedPrefixes, string(key))
	current := l.currentBlockNumber
	forkPoint := l.forkPointNumber
	l.mu.Unlock()

	if deleted {
		return Value{Present: false}, nil
	}
	if inMods {
		return mod, nil
	}

	effectiveBlock := block
	if block == current {
		effectiveBlock = current - 1
	}

	keyID, err := l.cache.KeyID(key)
	if err != nil {
		return Value{}, err
	}
	if cachedHit, present, value, err := l.cache.GetLocalValueAtBlock(keyID, effectiveBlock); err != nil {
		return Value{}, err
	} else if cachedHit {
		return Value{Present: present, Value: value}, nil
	}

	sv, err := l.remote.Get(ctx, forkPoint, key)
	if err != nil {
		return Value{}, err
	}
	return Value{Present: sv.Present, Value: sv.Value}, nil
}

// GetBatch resolves a batch of keys, preserving input order.
func (l *Layer) GetBatch(ctx context.Context, block uint32, keys [][]byte) ([]Value, error) {
	out := make([]Value, len(keys))
	var remoteIdx []int
	var remoteKeys [][]byte

	for i, k := range keys {
		l.mu.Lock()
		mod, inMods := l.modifications[string(k)]
		deleted := !inMods && isDeletedPrefix(l.deletedPrefixes, string(k))
		current := l.currentBlockNumber
		l.mu.Unlock()

		if deleted {
			out[i] = Value{Present: false}
			continue
		}
		if inMods {
			out[i] = mod
			continue
		}

		effectiveBlock := block
		if block == current {
			effectiveBlock = current - 1
		}
		keyID, err := l.cache.KeyID(k)
		if err != nil {
			return nil, err
		}
		cachedHit, present, value, err := l.cache.GetLocalValueAtBlock(keyID, effectiveBlock)
		if err != nil {
			return nil, err
		}
		if cachedHit {
			out[i] = Value{Present: present, Value: value}
			continue
		}
		remoteIdx = append(remoteIdx, i)
		remoteKeys = append(remoteKeys, k)
	}

	if len(remoteKeys) > 0 {
		results, err := l.remote.GetBatch(ctx, l.forkPointNumber, remoteKeys)
		if err != nil {
			return nil, err
		}
		for j, idx := range remoteIdx {
			out[idx] = Value{Present: results[j].Present, Value: results[j].Value}
		}
	}
	return out, nil
}

// Set records a write in the in-memory modifications map. If key falls
// under a currently-deleted prefix, the prefix's deletion remains
// recorded (is_deleted(prefix) stays true) while this specific key now
// reads back its new value.
func (l *Layer) Set(key []byte, present bool, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := string(key)
	if _, exists := l.modifications[k]; !exists {
		l.modifiedOrder = append(l.modifiedOrder, k)
	}
	l.modifications[k] = Value{Present: present, Value: value}
}

// SetBatchEntry is one element of a SetBatch call.
type SetBatchEntry struct {
	Key     []byte
	Present bool
	Value   []byte
}

// SetBatch applies entries in order; last write wins within the batch.
func (l *Layer) SetBatch(entries []SetBatchEntry) {
	for _, e := range entries {
		l.Set(e.Key, e.Present, e.Value)
	}
}

// DeletePrefix removes every modified key starting with prefix and
// marks the prefix deleted for subsequent reads.
func (l *Layer) DeletePrefix(prefix []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := string(prefix)
	remaining := l.modifiedOrder[:0]
	for _, k := range l.modifiedOrder {
		if strings.HasPrefix(k, p) {
			delete(l.modifications, k)
			continue
		}
		remaining = append(remaining, k)
	}
	l.modifiedOrder = remaining
	l.deletedPrefixes.Add(p)
}

// IsDeleted reports whether prefix has been marked deleted on this
// layer (spec testable property 3).
func (l *Layer) IsDeleted(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deletedPrefixes.Contains(prefix)
}

// Commit writes every in-memory modification through to the on-disk
// cache as a validity range opened at the current block number, clears
// the modification set (retaining deleted prefixes), and advances
// currentBlockNumber.
func (l *Layer) Commit() error {
	l.mu.Lock()
	order := append([]string(nil), l.modifiedOrder...)
	mods := make(map[string]Value, len(l.modifications))
	for k, v := range l.modifications {
		mods[k] = v
	}
	block := l.currentBlockNumber
	l.mu.Unlock()

	for _, k := range order {
		v := mods[k]
		keyID, err := l.cache.KeyID([]byte(k))
		if err != nil {
			return err
		}
		if err := l.cache.CommitLocal(keyID, block, v.Present, v.Value); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.modifications = make(map[string]Value)
	l.modifiedOrder = nil
	l.currentBlockNumber++
	l.mu.Unlock()

	log.WithField("block", block).WithField("writes", len(order)).Debug("committed local modifications")
	return nil
}

// MetadataAt returns the metadata bundle effective at block n: the
// registry entry with the greatest upgrade_block <= n, falling back to
// the remote metadata for blocks strictly before the fork point.
func (l *Layer) MetadataAt(ctx context.Context, n uint32) ([]byte, error) {
	l.mu.Lock()
	registry := append([]MetadataBundle(nil), l.metadataRegistry...)
	forkPoint := l.forkPointNumber
	l.mu.Unlock()

	sort.Slice(registry, func(i, j int) bool { return registry[i].UpgradeBlock < registry[j].UpgradeBlock })
	var best *MetadataBundle
	for i := range registry {
		if registry[i].UpgradeBlock <= n {
			best = &registry[i]
		}
	}
	if best != nil {
		return best.Bytes, nil
	}
	if n < forkPoint {
		raw, err := l.remote.StateGetMetadataAt(ctx, n)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
	return nil, forkerr.New(forkerr.KindNotFound, "localstate.MetadataAt", errNoMetadata(n))
}

// RegisterMetadataVersion adds a new registry entry.
func (l *Layer) RegisterMetadataVersion(upgradeBlock uint32, bundle []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadataRegistry = append(l.metadataRegistry, MetadataBundle{UpgradeBlock: upgradeBlock, Bytes: bundle})
}

// MetadataRegistrySnapshot returns a copy of the registry, used to seed
// the throwaway Layer of a non-persistent call.
func (l *Layer) MetadataRegistrySnapshot() []MetadataBundle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MetadataBundle(nil), l.metadataRegistry...)
}

// HasCodeChangedAt reports whether the well-known runtime-code key was
// written with a present value at block n. Uncommitted writes count only
// when n is the in-progress block.
func (l *Layer) HasCodeChangedAt(n uint32) (bool, error) {
	keyID, err := l.cache.KeyID(CodeKey)
	if err != nil {
		return false, err
	}
	found, present, err := l.cache.HasLocalWriteAt(keyID, n)
	if err != nil {
		return false, err
	}
	if !found {
		l.mu.Lock()
		v, inMods := l.modifications[string(CodeKey)]
		inProgress := n == l.currentBlockNumber
		l.mu.Unlock()
		return inProgress && inMods && v.Present, nil
	}
	return present, nil
}

type errNoMetadataType struct{ block uint32 }

func (e errNoMetadataType) Error() string {
	return "no metadata registered covering block and block is not before the fork point"
}

func errNoMetadata(block uint32) error { return errNoMetadataType{block: block} }
