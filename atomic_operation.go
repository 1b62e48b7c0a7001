package strata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/lock"
	"github.com/strata-db/strata/internal/revision"
)

// pendingWrite is one buffered Add/Remove an AtomicOperation has not yet
// committed.
type pendingWrite struct {
	field  string
	value  codec.Value
	record int64
	action revision.Action
}

// readFence records the value set an AtomicOperation observed for one
// (record, field) pair, so Commit can detect a conflicting write by
// another goroutine that landed between the Read and the Commit.
type readFence struct {
	record      int64
	field       string
	fingerprint []codec.Value
}

// AtomicOperation buffers a sequence of reads and writes in memory and
// applies them as one unit on Commit: every touched token is locked in a
// single canonical order, every read fence is re-verified, and only then
// are the buffered writes appended to the Buffer - per spec.md §4.7.
//
// An AtomicOperation is not safe for concurrent use by multiple
// goroutines; it is a single-threaded protocol from Start through Commit.
type AtomicOperation struct {
	engine  *Engine
	envName string
	env     *environment

	mu        sync.Mutex
	writes    []pendingWrite
	reads     []readFence
	committed bool
}

// StartAtomicOperation opens a new AtomicOperation against envName.
func (e *Engine) StartAtomicOperation(_ context.Context, envName string) (*AtomicOperation, error) {
	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	return &AtomicOperation{engine: e, envName: envName, env: env}, nil
}

// Read returns record's current values for field and records a read
// fence: if Commit finds this field's value set has changed since Read
// was called, Commit aborts with ErrAtomicStateInvalid instead of
// committing against stale state.
func (op *AtomicOperation) Read(_ context.Context, record int64, field string) ([]codec.Value, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.committed {
		return nil, fmt.Errorf("%w: atomic operation already committed", ErrAtomicStateInvalid)
	}

	values, err := op.env.fieldValues(record, field)
	if err != nil {
		return nil, err
	}

	op.reads = append(op.reads, readFence{record: record, field: field, fingerprint: values})

	return values, nil
}

// Add buffers an association to write on Commit.
func (op *AtomicOperation) Add(field string, value codec.Value, record int64) error {
	if err := validateKey(field); err != nil {
		return err
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.committed {
		return fmt.Errorf("%w: atomic operation already committed", ErrAtomicStateInvalid)
	}

	op.writes = append(op.writes, pendingWrite{field: field, value: value, record: record, action: revision.ActionAdd})

	return nil
}

// Remove buffers a retraction to write on Commit.
func (op *AtomicOperation) Remove(field string, value codec.Value, record int64) error {
	if err := validateKey(field); err != nil {
		return err
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.committed {
		return fmt.Errorf("%w: atomic operation already committed", ErrAtomicStateInvalid)
	}

	op.writes = append(op.writes, pendingWrite{field: field, value: value, record: record, action: revision.ActionRemove})

	return nil
}

// Commit acquires every token this operation touched in canonical order
// (Record tokens, then Field tokens, then Range tokens, each
// lexicographic within kind - spec.md §4.7), re-verifies every read
// fence, and then appends the buffered writes as one fsync-grouped batch.
// Commit is not reentrant: calling it twice returns ErrAtomicStateInvalid.
func (op *AtomicOperation) Commit(ctx context.Context) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.committed {
		return fmt.Errorf("%w: atomic operation already committed", ErrAtomicStateInvalid)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	tokens := op.canonicalTokens()

	permits := make([]lock.Permit, 0, len(tokens))
	release := func() {
		for i := len(permits) - 1; i >= 0; i-- {
			permits[i].Release()
		}
	}

	for _, tok := range tokens {
		p, err := op.env.broker.WriteLock(tok)
		if err != nil {
			release()
			return op.engine.translateInternalErr(err)
		}
		permits = append(permits, p)
	}
	defer release()

	for _, fence := range op.reads {
		current, err := op.env.fieldValues(fence.record, fence.field)
		if err != nil {
			return err
		}
		if !sameValueSet(fence.fingerprint, current) {
			return fmt.Errorf("%w: read fence on record %d field %q changed since it was read", ErrAtomicStateInvalid, fence.record, fence.field)
		}
	}

	for _, w := range op.writes {
		if err := op.env.writeAssociation(ctx, op.engine, w.field, w.value, w.record, w.action); err != nil {
			return err
		}
	}

	if err := op.env.buf.Sync(); err != nil {
		return op.engine.translateInternalErr(err)
	}

	op.committed = true

	return nil
}

// canonicalTokens collects every Record, Field, and Range token this
// operation's reads and writes touch, deduplicated and sorted into
// spec.md §4.7's canonical acquisition order: all RecordTokens first (by
// record id), then all FieldTokens (by record id, then field name), then
// all RangeTokens (by field name) - the same relative order on every
// commit prevents a lock-ordering deadlock between two concurrent
// operations that touch overlapping tokens.
func (op *AtomicOperation) canonicalTokens() []lock.Token {
	type fieldKey struct {
		record int64
		field  string
	}

	records := map[int64]bool{}
	fields := map[fieldKey]lock.FieldToken{}
	ranges := map[string]lock.RangeToken{}

	touch := func(record int64, field string, value *codec.Value) {
		records[record] = true
		fields[fieldKey{record, strings.ToLower(field)}] = lock.FieldToken{Record: record, Field: field}
		if value != nil {
			ranges[strings.ToLower(field)] = lock.RangeToken{Field: field, Operator: lock.OpEquals, Values: []codec.Value{*value}}
		}
	}

	for _, w := range op.writes {
		v := w.value
		touch(w.record, w.field, &v)
	}
	for _, r := range op.reads {
		touch(r.record, r.field, nil)
	}

	recordIDs := make([]int64, 0, len(records))
	for r := range records {
		recordIDs = append(recordIDs, r)
	}
	sort.Slice(recordIDs, func(i, j int) bool { return recordIDs[i] < recordIDs[j] })

	fieldTokens := make([]lock.FieldToken, 0, len(fields))
	for _, f := range fields {
		fieldTokens = append(fieldTokens, f)
	}
	sort.Slice(fieldTokens, func(i, j int) bool {
		if fieldTokens[i].Record != fieldTokens[j].Record {
			return fieldTokens[i].Record < fieldTokens[j].Record
		}
		return strings.ToLower(fieldTokens[i].Field) < strings.ToLower(fieldTokens[j].Field)
	})

	rangeTokens := make([]lock.RangeToken, 0, len(ranges))
	for _, rt := range ranges {
		rangeTokens = append(rangeTokens, rt)
	}
	sort.Slice(rangeTokens, func(i, j int) bool {
		return strings.ToLower(rangeTokens[i].Field) < strings.ToLower(rangeTokens[j].Field)
	})

	out := make([]lock.Token, 0, len(recordIDs)+len(fieldTokens)+len(rangeTokens))
	for _, r := range recordIDs {
		out = append(out, lock.RecordToken{Record: r, Shareable: true})
	}
	for _, f := range fieldTokens {
		out = append(out, f)
	}
	for _, rt := range rangeTokens {
		out = append(out, rt)
	}

	return out
}

// sameValueSet reports whether a and b hold the same multiset of values,
// order-independent.
func sameValueSet(a, b []codec.Value) bool {
	if len(a) != len(b) {
		return false
	}

	counts := map[string]int{}
	for _, v := range a {
		counts[string(codec.CanonicalBytes(v))]++
	}

	for _, v := range b {
		k := string(codec.CanonicalBytes(v))
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}

	return true
}
