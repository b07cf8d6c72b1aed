package remotestate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"forkchain/cachedb"
)

// hotCacheSize bounds the in-memory front cache that sits ahead of the
// on-disk cache for single-key reads, avoiding a leveldb round-trip for
// keys read repeatedly within one process lifetime.
const hotCacheSize = 4096

// SharedValue carries an optional value, distinguishing "present but
// None" from "not cached at all" per spec §4.2.
type SharedValue struct {
	Present bool
	Value   []byte
}

// Stats are the access counters exposed by reset_stats/stats for
// logging only (spec §4.2); they carry no behavioral meaning.
type Stats struct {
	CacheHits   uint64
	CacheMisses uint64
	RpcCalls    uint64
	RpcRetries  uint64
}

var (
	cacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forkchain_remotestate_cache_hits_total",
		Help: "Number of C2 reads satisfied from the on-disk cache without an RPC round-trip.",
	})
	cacheMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forkchain_remotestate_cache_misses_total",
		Help: "Number of C2 reads that required an upstream RPC fetch.",
	})
	rpcCallCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forkchain_remotestate_rpc_calls_total",
		Help: "Number of upstream RPC calls issued by C2.",
	})
	rpcRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forkchain_remotestate_rpc_retries_total",
		Help: "Number of upstream RPC retries performed by C2's backoff policy.",
	})
)

func init() {
	prometheus.MustRegister(cacheHitCounter, cacheMissCounter, rpcCallCounter, rpcRetryCounter)
}

// Layer is the read-through remote storage layer (C2): it serves reads
// from the on-disk cache where possible, and otherwise issues a single
// coalesced upstream RPC call, populating the cache on the way back.
//
// The fork engine only ever queries C2 at the fork point's own block
// number (spec §4.3 step 4), so a single hash is all the upstream wire
// protocol needs; forkBlockHash supplies it.
type Layer struct {
	cache         *cachedb.Store
	client        Client
	forkBlockHash []byte

	mu    sync.Mutex
	stats Stats

	group singleflight.Group
	hot   *lru.Cache[string, SharedValue]
}

// NewLayer constructs a remote storage layer over the given cache and
// upstream client, fixed at forkBlockHash.
func NewLayer(cache *cachedb.Store, client Client, forkBlockHash []byte) *Layer {
	hot, _ := lru.New[string, SharedValue](hotCacheSize)
	return &Layer{cache: cache, client: client, forkBlockHash: forkBlockHash, hot: hot}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, 1)
}

// Get returns the value of key at block, reading through the cache and,
// on a miss, a single retried RPC call.
func (l *Layer) Get(ctx context.Context, block uint32, key []byte) (SharedValue, error) {
	hotKey := singleflightKey(block, key)
	if v, ok := l.hot.Get(hotKey); ok {
		l.recordHit()
		return v, nil
	}

	if cached, present, value, err := l.cache.GetRemoteStorage(block, key); err != nil {
		return SharedValue{}, err
	} else if cached {
		l.recordHit()
		v := SharedValue{Present: present, Value: value}
		l.hot.Add(hotKey, v)
		return v, nil
	}
	l.recordMiss()

	v, err, _ := l.group.Do(hotKey, func() (interface{}, error) {
		var present bool
		var value []byte
		op := func() error {
			l.recordRPCCall()
			p, v, err := l.client.StateGetStorage(ctx, key, l.forkBlockHash)
			if err != nil {
				l.recordRetry()
				return err
			}
			present, value = p, v
			return nil
		}
		if err := backoff.Retry(op, retryPolicy()); err != nil {
			return nil, err
		}
		if err := l.cache.PutRemoteBatch(block, []cachedb.RemoteBatchEntry{{Key: key, Present: present, Value: value}}); err != nil {
			return nil, err
		}
		return SharedValue{Present: present, Value: value}, nil
	})
	if err != nil {
		return SharedValue{}, err
	}
	result := v.(SharedValue)
	l.hot.Add(hotKey, result)
	return result, nil
}

// GetBatch resolves a set of keys at block, coalescing every cache miss
// into a single upstream round-trip while preserving input order.
func (l *Layer) GetBatch(ctx context.Context, block uint32, keys [][]byte) ([]SharedValue, error) {
	results := make([]SharedValue, len(keys))
	var missIdx []int
	var missKeys [][]byte

	for i, k := range keys {
		cached, present, value, err := l.cache.GetRemoteStorage(block, k)
		if err != nil {
			return nil, err
		}
		if cached {
			l.recordHit()
			results[i] = SharedValue{Present: present, Value: value}
			continue
		}
		l.recordMiss()
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, k)
	}

	if len(missKeys) == 0 {
		return results, nil
	}

	var fetched []StorageResult
	op := func() error {
		l.recordRPCCall()
		res, err := l.client.StateQueryStorageAt(ctx, missKeys, l.forkBlockHash)
		if err != nil {
			l.recordRetry()
			return err
		}
		fetched = res
		return nil
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, err
	}

	entries := make([]cachedb.RemoteBatchEntry, 0, len(fetched))
	for j, idx := range missIdx {
		var r StorageResult
		if j < len(fetched) {
			r = fetched[j]
		}
		results[idx] = SharedValue{Present: r.Present, Value: r.Value}
		entries = append(entries, cachedb.RemoteBatchEntry{Key: keys[idx], Present: r.Present, Value: r.Value})
	}
	if err := l.cache.PutRemoteBatch(block, entries); err != nil {
		return nil, err
	}
	return results, nil
}

// PrefetchPrefixSinglePage pulls up to pageSize keys under prefix at
// block and warms the cache with their values. Failures here must never
// fail a block build (spec §9): callers should log and ignore the error.
func (l *Layer) PrefetchPrefixSinglePage(ctx context.Context, block uint32, prefix []byte, pageSize int) error {
	var keys [][]byte
	op := func() error {
		l.recordRPCCall()
		ks, err := l.client.StateGetKeysPaged(ctx, prefix, pageSize, nil, l.forkBlockHash)
		if err != nil {
			l.recordRetry()
			return err
		}
		keys = ks
		return nil
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := l.GetBatch(ctx, block, keys)
	return err
}

// NextKey returns the lexicographically next key under prefix strictly
// greater than from, using a paged RPC scan. The result is not cached:
// every call issues a fresh RPC.
func (l *Layer) NextKey(ctx context.Context, block uint32, prefix []byte, from []byte) ([]byte, bool, error) {
	var keys [][]byte
	op := func() error {
		l.recordRPCCall()
		ks, err := l.client.StateGetKeysPaged(ctx, prefix, 2, from, l.forkBlockHash)
		if err != nil {
			l.recordRetry()
			return err
		}
		keys = ks
		return nil
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, false, err
	}
	sort.Slice(keys, func(i, j int) bool { return lessBytes(keys[i], keys[j]) })
	for _, k := range keys {
		if greaterBytes(k, from) {
			return k, true, nil
		}
	}
	return nil, false, nil
}

// StateGetMetadataAt resolves block's hash on the upstream chain and
// fetches the runtime metadata effective there. Used by localstate to
// answer MetadataAt queries for blocks strictly before the fork point.
func (l *Layer) StateGetMetadataAt(ctx context.Context, block uint32) ([]byte, error) {
	var hash []byte
	op := func() error {
		l.recordRPCCall()
		h, ok, err := l.client.ChainGetBlockHash(ctx, block)
		if err != nil {
			l.recordRetry()
			return err
		}
		if !ok {
			return nil
		}
		hash = h
		return nil
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, nil
	}
	return l.client.StateGetMetadata(ctx, hash)
}

// ResetStats zeroes the access counters.
func (l *Layer) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = Stats{}
}

// StatsSnapshot returns a copy of the current access counters.
func (l *Layer) StatsSnapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Layer) recordHit() {
	l.mu.Lock()
	l.stats.CacheHits++
	l.mu.Unlock()
	cacheHitCounter.Inc()
}

func (l *Layer) recordMiss() {
	l.mu.Lock()
	l.stats.CacheMisses++
	l.mu.Unlock()
	cacheMissCounter.Inc()
}

func (l *Layer) recordRPCCall() {
	l.mu.Lock()
	l.stats.RpcCalls++
	l.mu.Unlock()
	rpcCallCounter.Inc()
}

func (l *Layer) recordRetry() {
	l.mu.Lock()
	l.stats.RpcRetries++
	l.mu.Unlock()
	rpcRetryCounter.Inc()
}

func singleflightKey(block uint32, key []byte) string {
	return string(append([]byte{byte(block), byte(block >> 8), byte(block >> 16), byte(block >> 24)}, key...))
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func greaterBytes(a, b []byte) bool { return lessBytes(b, a) }
