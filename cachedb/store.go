// Package cachedb implements the on-disk cache (C1): durable storage of
// remote block headers/bodies/hashes and (key,value,validity-range) tuples
// keyed by block number. It is the only process-wide shared mutable store
// in the engine; every other layer reads through it.
package cachedb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"forkchain/internal/forkerr"
)

var log = logrus.WithField("component", "cachedb")

// Key-prefix namespaces within the single leveldb instance.
const (
	prefixHeaderByHash   = 'h'
	prefixHeaderByNumber = 'n'
	prefixBody           = 'b'
	prefixRemoteStorage  = 'r'
	prefixLocalStorage   = 'l'
	prefixKeyIntern      = 'k'
	prefixKeyInternRev   = 'K'
	prefixKeyIDCounter   = 'c'
)

// BlockRecord is the persisted form of a remote block's header metadata.
type BlockRecord struct {
	Number     uint32 `json:"number"`
	Hash       []byte `json:"hash"`
	ParentHash []byte `json:"parent_hash"`
	Header     []byte `json:"header"`
}

// localEntry is the canonical on-disk form of a local-storage validity
// range, as described in spec §3 "Local storage entry".
type localEntry struct {
	ValidFrom uint32  `json:"valid_from"`
	ValidTo   *uint32 `json:"valid_to,omitempty"`
	Present   bool    `json:"present"`
	Value     []byte  `json:"value,omitempty"`
}

// remoteEntry records a single cached (block,key)->Option<bytes> fetch.
type remoteEntry struct {
	Present bool   `json:"present"`
	Value   []byte `json:"value,omitempty"`
}

// Store wraps a leveldb database guarded by an exclusive directory lock.
type Store struct {
	mu   sync.Mutex
	db   *leveldb.DB
	lock *flock.Flock
	dir  string
}

// Open opens (creating if necessary) the cache directory dir, taking an
// exclusive file lock so two processes never share one cache concurrently.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, forkerr.New(forkerr.KindInvalidInput, "cachedb.Open", errors.New("empty cache dir"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, forkerr.New(forkerr.KindCacheIo, "cachedb.Open", err)
	}
	lockPath := filepath.Join(dir, "LOCK.fork")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, forkerr.New(forkerr.KindCacheIo, "cachedb.Open", err)
	}
	if !locked {
		return nil, forkerr.New(forkerr.KindCacheIo, "cachedb.Open", errors.New("cache directory already locked by another process"))
	}

	db, err := leveldb.OpenFile(filepath.Join(dir, "db"), nil)
	if err != nil {
		_ = fl.Unlock()
		return nil, forkerr.New(forkerr.KindCacheIo, "cachedb.Open", err)
	}
	log.WithField("dir", dir).Info("opened on-disk cache")
	return &Store{db: db, lock: fl, dir: dir}, nil
}

// Close releases the database and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

func numKey(prefix byte, n uint32) []byte {
	b := make([]byte, 5)
	b[0] = prefix
	binary.BigEndian.PutUint32(b[1:], n)
	return b
}

func hashKey(prefix byte, h []byte) []byte {
	b := make([]byte, 1+len(h))
	b[0] = prefix
	copy(b[1:], h)
	return b
}

// PutBlock persists a remote block's header record, indexed both by
// number and by hash.
func (s *Store) PutBlock(rec BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return forkerr.New(forkerr.KindCodec, "cachedb.PutBlock", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(numKey(prefixHeaderByNumber, rec.Number), data)
	batch.Put(hashKey(prefixHeaderByHash, rec.Hash), data)
	if err := s.db.Write(batch, nil); err != nil {
		return forkerr.New(forkerr.KindCacheIo, "cachedb.PutBlock", err)
	}
	return nil
}

// GetBlockByNumber returns the cached header record for block n, or
// ok=false if it is not cached.
func (s *Store) GetBlockByNumber(n uint32) (rec BlockRecord, ok bool, err error) {
	return s.getBlock(numKey(prefixHeaderByNumber, n))
}

// GetBlockByHash returns the cached header record for the given hash.
func (s *Store) GetBlockByHash(hash []byte) (rec BlockRecord, ok bool, err error) {
	return s.getBlock(hashKey(prefixHeaderByHash, hash))
}

func (s *Store) getBlock(key []byte) (BlockRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return BlockRecord{}, false, nil
	}
	if err != nil {
		return BlockRecord{}, false, forkerr.New(forkerr.KindCacheIo, "cachedb.getBlock", err)
	}
	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return BlockRecord{}, false, forkerr.New(forkerr.KindCodec, "cachedb.getBlock", err)
	}
	return rec, true, nil
}

// PutBody persists the ordered extrinsic list for block n.
func (s *Store) PutBody(n uint32, extrinsics [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(extrinsics)
	if err != nil {
		return forkerr.New(forkerr.KindCodec, "cachedb.PutBody", err)
	}
	if err := s.db.Put(numKey(prefixBody, n), data, nil); err != nil {
		return forkerr.New(forkerr.KindCacheIo, "cachedb.PutBody", err)
	}
	return nil
}

// GetBody returns the cached body for block n.
func (s *Store) GetBody(n uint32) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.db.Get(numKey(prefixBody, n), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, forkerr.New(forkerr.KindCacheIo, "cachedb.GetBody", err)
	}
	var body [][]byte
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, false, forkerr.New(forkerr.KindCodec, "cachedb.GetBody", err)
	}
	return body, true, nil
}

func remoteStorageKey(block uint32, key []byte) []byte {
	b := make([]byte, 5+len(key))
	b[0] = prefixRemoteStorage
	binary.BigEndian.PutUint32(b[1:5], block)
	copy(b[5:], key)
	return b
}

// GetRemoteStorage returns (cached, present, value). cached=false means
// this (block,key) pair has never been fetched from upstream.
func (s *Store) GetRemoteStorage(block uint32, key []byte) (cached bool, present bool, value []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.db.Get(remoteStorageKey(block, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, false, nil, nil
	}
	if err != nil {
		return false, false, nil, forkerr.New(forkerr.KindCacheIo, "cachedb.GetRemoteStorage", err)
	}
	var e remoteEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return false, false, nil, forkerr.New(forkerr.KindCodec, "cachedb.GetRemoteStorage", err)
	}
	return true, e.Present, e.Value, nil
}

// RemoteBatchEntry is one element of a PutRemoteBatch call.
type RemoteBatchEntry struct {
	Key     []byte
	Present bool
	Value   []byte
}

// PutRemoteBatch stores a batch of remote (key, Option<value>) results for
// block in a single atomic write.
func (s *Store) PutRemoteBatch(block uint32, entries []RemoteBatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, e := range entries {
		data, err := json.Marshal(remoteEntry{Present: e.Present, Value: e.Value})
		if err != nil {
			return forkerr.New(forkerr.KindCodec, "cachedb.PutRemoteBatch", err)
		}
		batch.Put(remoteStorageKey(block, e.Key), data)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return forkerr.New(forkerr.KindCacheIo, "cachedb.PutRemoteBatch", err)
	}
	return nil
}

// KeyID interns a raw storage key, assigning it a stable integer so the
// local-storage table can be keyed compactly.
func (s *Store) KeyID(key []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ik := hashKey(prefixKeyIntern, key)
	data, err := s.db.Get(ik, nil)
	if err == nil {
		return binary.BigEndian.Uint64(data), nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return 0, forkerr.New(forkerr.KindCacheIo, "cachedb.KeyID", err)
	}

	var next uint64
	counterKey := []byte{prefixKeyIDCounter}
	if cdata, cerr := s.db.Get(counterKey, nil); cerr == nil {
		next = binary.BigEndian.Uint64(cdata) + 1
	} else if !errors.Is(cerr, leveldb.ErrNotFound) {
		return 0, forkerr.New(forkerr.KindCacheIo, "cachedb.KeyID", cerr)
	}

	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, next)

	batch := new(leveldb.Batch)
	batch.Put(ik, idBytes)
	batch.Put(hashKey(prefixKeyInternRev, idBytes), key)
	batch.Put(counterKey, idBytes)
	if err := s.db.Write(batch, nil); err != nil {
		return 0, forkerr.New(forkerr.KindCacheIo, "cachedb.KeyID", err)
	}
	return next, nil
}

func localKeyPrefix(keyID uint64) []byte {
	b := make([]byte, 9)
	b[0] = prefixLocalStorage
	binary.BigEndian.PutUint64(b[1:], keyID)
	return b
}

func localRangeKey(keyID uint64, validFrom uint32) []byte {
	b := make([]byte, 13)
	copy(b, localKeyPrefix(keyID))
	binary.BigEndian.PutUint32(b[9:], validFrom)
	return b
}

// GetLocalValueAtBlock resolves the unique validity range for key_id
// covering block, per spec §4.1.
func (s *Store) GetLocalValueAtBlock(keyID uint64, block uint32) (cached bool, present bool, value []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := localKeyPrefix(keyID)
	rng := util.BytesPrefix(prefix)
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var best *localEntry
	for iter.Next() {
		var e localEntry
		if uerr := json.Unmarshal(iter.Value(), &e); uerr != nil {
			return false, false, nil, forkerr.New(forkerr.KindCodec, "cachedb.GetLocalValueAtBlock", uerr)
		}
		if e.ValidFrom > block {
			continue
		}
		if e.ValidTo != nil && *e.ValidTo <= block {
			continue
		}
		if best == nil || e.ValidFrom > best.ValidFrom {
			ec := e
			best = &ec
		}
	}
	if err := iter.Error(); err != nil {
		return false, false, nil, forkerr.New(forkerr.KindCacheIo, "cachedb.GetLocalValueAtBlock", err)
	}
	if best == nil {
		return false, false, nil, nil
	}
	return true, best.Present, best.Value, nil
}

// CommitLocal opens/closes validity ranges for key_id as of
// blockCommitted, per spec §4.1: if the prior current range carried the
// same value, it is extended; otherwise it is closed and a new current
// range is opened.
func (s *Store) CommitLocal(keyID uint64, blockCommitted uint32, present bool, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := localKeyPrefix(keyID)
	rng := util.BytesPrefix(prefix)
	iter := s.db.NewIterator(rng, nil)
	var current *localEntry
	var currentKey []byte
	for iter.Next() {
		var e localEntry
		if uerr := json.Unmarshal(iter.Value(), &e); uerr != nil {
			iter.Release()
			return forkerr.New(forkerr.KindCodec, "cachedb.CommitLocal", uerr)
		}
		if e.ValidTo == nil {
			ec := e
			current = &ec
			ck := make([]byte, len(iter.Key()))
			copy(ck, iter.Key())
			currentKey = ck
		}
	}
	if err := iter.Error(); err != nil {
		iter.Release()
		return forkerr.New(forkerr.KindCacheIo, "cachedb.CommitLocal", err)
	}
	iter.Release()

	batch := new(leveldb.Batch)

	sameValue := current != nil && current.Present == present && bytesEqual(current.Value, value)
	if sameValue {
		return nil
	}
	if current != nil {
		closed := *current
		closed.ValidTo = &blockCommitted
		data, err := json.Marshal(closed)
		if err != nil {
			return forkerr.New(forkerr.KindCodec, "cachedb.CommitLocal", err)
		}
		batch.Put(currentKey, data)
	}
	newEntry := localEntry{ValidFrom: blockCommitted, Present: present, Value: value}
	data, err := json.Marshal(newEntry)
	if err != nil {
		return forkerr.New(forkerr.KindCodec, "cachedb.CommitLocal", err)
	}
	batch.Put(localRangeKey(keyID, blockCommitted), data)

	if err := s.db.Write(batch, nil); err != nil {
		return forkerr.New(forkerr.KindCacheIo, "cachedb.CommitLocal", err)
	}
	return nil
}

// HasLocalWriteAt reports whether key_id has a validity range whose
// valid_from is exactly block — i.e. the value changed at that block,
// as opposed to merely remaining current through it. Used to detect
// runtime upgrades (blockbuilder checks this for the well-known code
// key at the parent block).
func (s *Store) HasLocalWriteAt(keyID uint64, block uint32) (found bool, present bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.db.Get(localRangeKey(keyID, block), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, forkerr.New(forkerr.KindCacheIo, "cachedb.HasLocalWriteAt", err)
	}
	var e localEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return false, false, forkerr.New(forkerr.KindCodec, "cachedb.HasLocalWriteAt", err)
	}
	return true, e.Present, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stats reports a cheap snapshot of cache activity for logging.
type Stats struct {
	OpenedAt time.Time
	Dir      string
}

// Snapshot returns basic metadata about the store for structured logging.
func (s *Store) Snapshot() Stats {
	return Stats{Dir: s.dir}
}
