package lock

import (
	"errors"
	"sync"
)

// ErrWouldBlock is returned by TryReadLock/TryWriteLock when the
// requested token cannot be granted immediately.
var ErrWouldBlock = errors.New("lock: would block")

// rangeState tracks the currently-held RangeTokens on one field, admitting
// new acquisitions by scanning for overlap against the held set. Blocking
// is implemented with a condition variable rather than literal busy
// polling — spec.md §4.2 explicitly flags the polling language as a
// scheduling decision implementations may change.
type rangeState struct {
	mu   sync.Mutex
	cond *sync.Cond
	held []heldRange
}

type heldRange struct {
	token RangeToken
	write bool
}

func newRangeState() *rangeState {
	s := &rangeState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (b *Broker) rangeStateFor(field string) *rangeState {
	v, _ := b.ranges.LoadOrStore(RangeToken{Field: field}.key(), newRangeState())
	return v.(*rangeState)
}

func (b *Broker) acquireRange(token RangeToken, write, block bool) (Permit, error) {
	st := b.rangeStateFor(token.Field)

	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		if b.closed.Load() {
			return nil, ErrBrokerClosed
		}

		if !st.conflicts(token, write) {
			st.held = append(st.held, heldRange{token: token, write: write})
			return &rangePermit{state: st, token: token, write: write}, nil
		}

		if !block {
			return nil, ErrWouldBlock
		}

		st.cond.Wait()
	}
}

// conflicts reports whether acquiring token in the given mode would
// overlap any currently held range on the same field. Two reads never
// conflict; a read and a write conflict iff their intervals overlap; two
// writes conflict iff their intervals overlap (concurrent overlapping
// writers could otherwise race on the same value range).
func (st *rangeState) conflicts(token RangeToken, write bool) bool {
	for _, h := range st.held {
		if !write && !h.write {
			continue
		}

		if token.Overlaps(h.token) {
			return true
		}
	}

	return false
}

type rangePermit struct {
	state *rangeState
	token RangeToken
	write bool
	once  sync.Once
}

func (p *rangePermit) Release() {
	p.once.Do(func() {
		st := p.state
		st.mu.Lock()

		for i, h := range st.held {
			if h.token.key() == p.token.key() && h.write == p.write && sameValues(h.token, p.token) {
				st.held = append(st.held[:i], st.held[i+1:]...)
				break
			}
		}

		st.mu.Unlock()
		st.cond.Broadcast()
	})
}

func sameValues(a, b RangeToken) bool {
	if a.Operator != b.Operator || len(a.Values) != len(b.Values) {
		return false
	}

	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}

	return true
}
