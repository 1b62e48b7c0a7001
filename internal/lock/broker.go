package lock

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBrokerClosed is returned by any acquire issued after Shutdown.
var ErrBrokerClosed = errors.New("lock: broker closed")

// starvationThreshold is how many readers may be admitted ahead of a
// queued writer before the writer is escalated to the front of the line.
// Implements spec.md §4.2's priority inversion guard as a single
// escalation counter per token, rather than a separate queue structure.
const starvationThreshold = 32

// Permit represents a held lock. Release is idempotent.
type Permit interface {
	Release()
}

// Broker hands out Permits for RecordToken, FieldToken, and RangeToken.
//
// Per-token wait lists live in two sharded maps (simple tokens vs. range
// tokens, since ranges need overlap-aware admission instead of a plain
// reader/writer count). Safe for concurrent use.
type Broker struct {
	simple sync.Map // string -> *simpleState
	ranges sync.Map // string -> *rangeState

	closed atomic.Bool
}

// NewBroker returns a ready-to-use Broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Shutdown marks the broker closed. Every acquire issued after Shutdown
// fails fast with ErrBrokerClosed; permits already held are unaffected
// and must still be Released by their owners.
func (b *Broker) Shutdown() {
	b.closed.Store(true)
}

// ReadLock acquires a shared lease on token, blocking until available.
func (b *Broker) ReadLock(token Token) (Permit, error) {
	return b.acquire(token, false, true)
}

// WriteLock acquires an exclusive lease on token, blocking until available.
func (b *Broker) WriteLock(token Token) (Permit, error) {
	return b.acquire(token, true, true)
}

// TryReadLock attempts to acquire a shared lease without blocking.
func (b *Broker) TryReadLock(token Token) (Permit, error) {
	return b.acquire(token, false, false)
}

// TryWriteLock attempts to acquire an exclusive lease without blocking.
func (b *Broker) TryWriteLock(token Token) (Permit, error) {
	return b.acquire(token, true, false)
}

func (b *Broker) acquire(token Token, write, block bool) (Permit, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	if rt, ok := token.(RangeToken); ok {
		return b.acquireRange(rt, write, block)
	}

	return b.acquireSimple(token, write, block)
}

// simpleState backs RecordToken and FieldToken acquisition: a plain
// reader-count / writer-flag with priority-read-write admission.
type simpleState struct {
	mu             sync.Mutex
	cond           *sync.Cond
	readers        int
	shareableUsers int
	writerHeld     bool
	writersWaiting int
	readersSinceWriterQueued int
}

func newSimpleState() *simpleState {
	s := &simpleState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (b *Broker) stateFor(token Token) *simpleState {
	v, _ := b.simple.LoadOrStore(token.key(), newSimpleState())
	return v.(*simpleState)
}

func (b *Broker) acquireSimple(token Token, write, block bool) (Permit, error) {
	st := b.stateFor(token)

	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		if b.closed.Load() {
			return nil, ErrBrokerClosed
		}

		if token.shareable() {
			// Shareable readers/writers of this token coexist with each
			// other but still exclude (and are excluded by) a
			// non-shareable writer.
			if !st.writerHeld {
				st.shareableUsers++
				return &simplePermit{state: st, shareable: true}, nil
			}
		} else if write {
			if st.readers == 0 && st.shareableUsers == 0 && !st.writerHeld {
				st.writerHeld = true
				st.writersWaiting = max0(st.writersWaiting - 1)
				return &simplePermit{state: st, write: true}, nil
			}
		} else {
			writerQueuedTooLong := st.writersWaiting > 0 && st.readersSinceWriterQueued >= starvationThreshold
			if !st.writerHeld && !writerQueuedTooLong {
				st.readers++
				st.readersSinceWriterQueued++
				return &simplePermit{state: st, write: false}, nil
			}
		}

		if !block {
			return nil, ErrWouldBlock
		}

		if write {
			st.writersWaiting++
		}

		st.cond.Wait()
	}
}

type simplePermit struct {
	state     *simpleState
	write     bool
	shareable bool
	once      sync.Once
}

func (p *simplePermit) Release() {
	p.once.Do(func() {
		st := p.state
		st.mu.Lock()

		switch {
		case p.write:
			st.writerHeld = false
			st.readersSinceWriterQueued = 0
		case p.shareable:
			st.shareableUsers--
		default:
			st.readers--
		}

		st.mu.Unlock()
		st.cond.Broadcast()
	})
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
