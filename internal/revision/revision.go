// Package revision defines the fundamental unit of change recorded by the
// store: an immutable (locator, key, value) triple stamped with a
// monotonic version and an action.
//
// One Revision struct serves all three chunk shapes a Segment carries:
//
//	Table  — Locator=record id (as a LINK),     Key=field name,  Val=typed value
//	Index  — Locator=field name (as a STRING),  Key=typed value, Val=record id (LINK)
//	Corpus — Locator=field name (as a STRING),  Key=token text,  Val=Position
package revision

import (
	"fmt"

	"github.com/strata-db/strata/internal/codec"
)

// Action identifies whether a Revision establishes or retracts an
// association; COMPARE is a reserved in-memory action.
type Action byte

const (
	// ActionAdd establishes a (Locator, Key, Value) association.
	ActionAdd Action = iota
	// ActionRemove retracts a previously-added association.
	ActionRemove
	// ActionCompare is never persisted to a Buffer or Segment, and no
	// component in this module produces it: an atomic operation's read
	// fence compares the field's value set directly instead.
	ActionCompare
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	case ActionCompare:
		return "COMPARE"
	default:
		return fmt.Sprintf("Action(%d)", byte(a))
	}
}

// Revision is an immutable record of one change to the store.
type Revision struct {
	Locator codec.Value
	Key     codec.Value
	Val     codec.Value
	Version uint64
	Action  Action
}

// Shape identifies which of the three chunk kinds a Revision belongs to.
// Shape is inferred by the caller's context (the chunk it is being
// written to or read from); Revision itself carries no shape tag.
type Shape byte

const (
	ShapeTable Shape = iota
	ShapeIndex
	ShapeCorpus
)

func (s Shape) String() string {
	switch s {
	case ShapeTable:
		return "TABLE"
	case ShapeIndex:
		return "INDEX"
	case ShapeCorpus:
		return "CORPUS"
	default:
		return fmt.Sprintf("Shape(%d)", byte(s))
	}
}

// ShapeOf infers which chunk shape rev belongs to from its Locator and Val
// kinds, without requiring a separate shape tag on the wire: a Table
// revision's Locator is a LINK (the record id); an Index or Corpus
// revision's Locator is a STRING (the field name), distinguished from each
// other by Val's kind, since NewCorpusRevision always wraps its Val as a
// Position while NewIndexRevision's Val is the record LINK being indexed.
// Key's kind cannot be used for this: a user-supplied codec.NewTag value
// indexed via the store's public API makes a legitimate Index revision's
// Key a TAG too, indistinguishable from a Corpus token by kind alone.
func ShapeOf(rev Revision) Shape {
	if rev.Locator.Kind == codec.KindLink {
		return ShapeTable
	}

	if rev.Val.Kind == codec.KindPosition {
		return ShapeCorpus
	}

	return ShapeIndex
}

// NewTableRevision builds a Table-shaped revision: a record's field is
// being set to (or unset from) a typed value.
func NewTableRevision(record int64, field string, val codec.Value, version uint64, action Action) Revision {
	return Revision{
		Locator: codec.NewLink(record),
		Key:     codec.NewString(field),
		Val:     val,
		Version: version,
		Action:  action,
	}
}

// NewIndexRevision builds an Index-shaped revision: the reverse mapping
// from a field's typed value back to the record that holds it.
func NewIndexRevision(field string, val codec.Value, record int64, version uint64, action Action) Revision {
	return Revision{
		Locator: codec.NewString(field),
		Key:     val,
		Val:     codec.NewLink(record),
		Version: version,
		Action:  action,
	}
}

// NewCorpusRevision builds a Corpus-shaped revision: one substring token
// of a field's text value, at a position within that field's token stream.
func NewCorpusRevision(field string, token string, pos codec.Value, version uint64, action Action) Revision {
	return Revision{
		Locator: codec.NewString(field),
		Key:     codec.NewTag(token),
		Val:     pos,
		Version: version,
		Action:  action,
	}
}

// Write is a mutable carrier of one Revision before placement: it passes
// through lock acquisition, WAL append, and broker release as a unit. It
// exists as a separate type from Revision (rather than a pointer to one)
// so callers can accumulate a batch of pending writes (an AtomicOperation
// or Transaction's buffer) before any of them has been assigned a final
// Version.
type Write struct {
	Revision Revision

	// pending is true until the write's Version has been stamped by the
	// component that owns the monotonic version counter (the Buffer).
	pending bool
}

// NewWrite wraps rev as a pending Write.
func NewWrite(rev Revision) *Write {
	return &Write{Revision: rev, pending: true}
}

// Stamp assigns version to the wrapped Revision and marks the Write as no
// longer pending. Stamp panics if called twice.
func (w *Write) Stamp(version uint64) {
	if !w.pending {
		panic("revision: Write already stamped")
	}

	w.Revision.Version = version
	w.pending = false
}

// Pending reports whether the Write has not yet been assigned a version.
func (w *Write) Pending() bool { return w.pending }
