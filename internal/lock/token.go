// Package lock implements the in-process three-axis lock broker: leases
// keyed on whole records, single fields, and value ranges, handed out with
// priority-read-write fairness.
//
// This is distinct from and orthogonal to the OS-level flock path locking
// in package fsx — lock arbitrates goroutines within one process over
// logical store tokens, fsx arbitrates processes over filesystem paths.
package lock

import (
	"fmt"
	"strings"

	"github.com/strata-db/strata/internal/codec"
)

// Operator is the closed set of range-defining operators a RangeToken can
// carry, matching the boundary operator set of SPEC_FULL §6.
type Operator byte

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpGreaterThanOrEquals
	OpLessThan
	OpLessThanOrEquals
	OpBetween
	OpRegex
	OpNotRegex
	OpLike
	OpNotLike
	OpLinksTo
)

func (op Operator) String() string {
	switch op {
	case OpEquals:
		return "EQUALS"
	case OpNotEquals:
		return "NOT_EQUALS"
	case OpGreaterThan:
		return "GREATER_THAN"
	case OpGreaterThanOrEquals:
		return "GREATER_THAN_OR_EQUALS"
	case OpLessThan:
		return "LESS_THAN"
	case OpLessThanOrEquals:
		return "LESS_THAN_OR_EQUALS"
	case OpBetween:
		return "BETWEEN"
	case OpRegex:
		return "REGEX"
	case OpNotRegex:
		return "NOT_REGEX"
	case OpLike:
		return "LIKE"
	case OpNotLike:
		return "NOT_LIKE"
	case OpLinksTo:
		return "LINKS_TO"
	default:
		return fmt.Sprintf("Operator(%d)", byte(op))
	}
}

// Token is anything that can be locked: a whole record, a single field of
// a record, or a value range over a field.
type Token interface {
	// key is the sharding/identity key used to find this token's wait
	// list in the broker's token table. Two tokens that could conflict
	// (and must therefore serialize through the same simpleState or
	// rangeState) share a
	// key; tokens that can never conflict (different keys) never do.
	key() string

	// shareable reports whether multiple concurrent holders of an
	// otherwise-exclusive acquisition are permitted for this token
	// (SPEC_FULL §4.2's "shareable record token" variant).
	shareable() bool
}

// RecordToken covers reads/writes that span an entire record.
type RecordToken struct {
	Record int64
	// Shareable permits multiple concurrent holders of the same
	// RecordToken even under WriteLock - used by callers (e.g. the
	// search indexer's corpus writes) that only need to exclude a
	// conflicting *different* kind of record-level operation, not each
	// other.
	Shareable bool
}

func (t RecordToken) key() string    { return "R:" + formatInt64(t.Record) }
func (t RecordToken) shareable() bool { return t.Shareable }

// FieldToken covers reads/writes of a single field within a record.
type FieldToken struct {
	Record int64
	Field  string
}

func (t FieldToken) key() string     { return "F:" + formatInt64(t.Record) + ":" + strings.ToLower(t.Field) }
func (t FieldToken) shareable() bool { return false }

// RangeToken covers value-range reservations made by a predicate over a
// field, used to serialize scans against concurrent writers of values
// that could fall inside the scanned range.
type RangeToken struct {
	Field    string
	Operator Operator
	Values   []codec.Value
}

func (t RangeToken) key() string { return "X:" + strings.ToLower(t.Field) }

func (t RangeToken) shareable() bool { return false }

// Overlaps reports whether t and other's ranges could intersect, per the
// operator-interval semantics of spec.md §4.2: EQ covers a point, BETWEEN
// a closed/open interval, REGEX/LIKE covers the whole line (-inf, +inf).
// Two RangeTokens on different fields never overlap.
func (t RangeToken) Overlaps(other RangeToken) bool {
	if !strings.EqualFold(t.Field, other.Field) {
		return false
	}

	lo1, hi1 := t.interval()
	lo2, hi2 := other.interval()

	return codec.Compare(lo1, hi2) <= 0 && codec.Compare(lo2, hi1) <= 0
}

// interval returns the closed [lo, hi] bound this token's operator
// reserves against concurrent writers. Point operators (EQ, LINKS_TO)
// collapse to a single-value interval; unbounded operators (REGEX, LIKE,
// their negations, and NOT_EQUALS) reserve the entire value line since an
// arbitrary write anywhere could match or fail to match.
func (t RangeToken) interval() (lo, hi codec.Value) {
	switch t.Operator {
	case OpEquals, OpLinksTo:
		v := t.valueAt(0)
		return v, v
	case OpGreaterThan, OpGreaterThanOrEquals:
		return t.valueAt(0), codec.PositiveInfinity()
	case OpLessThan, OpLessThanOrEquals:
		return codec.NegativeInfinity(), t.valueAt(0)
	case OpBetween:
		return t.valueAt(0), t.valueAt(1)
	default:
		return codec.NegativeInfinity(), codec.PositiveInfinity()
	}
}

func (t RangeToken) valueAt(i int) codec.Value {
	if i >= len(t.Values) {
		return codec.NewNull()
	}
	return t.Values[i]
}

func formatInt64(v int64) string {
	return fmt.Sprintf("%d", v)
}
