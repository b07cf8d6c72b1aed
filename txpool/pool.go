// Package txpool implements the bounded FIFO transaction pool (C8):
// submitted extrinsics are buffered and drained in submission order on
// the next block build.
package txpool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"forkchain/internal/forkerr"
)

var log = logrus.WithField("component", "txpool")

// Entry is one pooled extrinsic, tagged with the monotonic counter it
// was submitted under.
type Entry struct {
	Bytes       []byte
	SubmittedAt uint64
}

// Pool is a bounded FIFO queue. No resubmission: once drained, an
// extrinsic is gone regardless of the outcome of applying it.
type Pool struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	counter  uint64
}

// New constructs a pool bounded at capacity entries. capacity <= 0
// means unbounded.
func New(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// Submit appends bytes to the back of the queue, returning its
// submission counter. Returns a forkerr.KindInvalidInput error if the
// pool is at capacity.
func (p *Pool) Submit(bytes []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity > 0 && len(p.entries) >= p.capacity {
		return 0, forkerr.New(forkerr.KindInvalidInput, "txpool.Submit", errPoolFull{})
	}
	p.counter++
	p.entries = append(p.entries, Entry{Bytes: bytes, SubmittedAt: p.counter})
	log.WithField("submitted_at", p.counter).Debug("extrinsic submitted")
	return p.counter, nil
}

// Len reports the number of queued entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// DrainAll removes and returns every queued entry in submission order.
// No resubmission happens: the caller owns the drained bytes from this
// point, even if applying them later fails.
func (p *Pool) DrainAll() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries
	p.entries = nil
	return out
}

type errPoolFull struct{}

func (errPoolFull) Error() string { return "transaction pool is at capacity" }
