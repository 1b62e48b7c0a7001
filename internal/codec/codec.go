// Package codec implements the self-describing byte encoding shared by
// every revision field (locator, key, value) across the Table, Index, and
// Corpus chunk shapes.
//
// A [Value] is a typed scalar. Encoding is self-describing: the first byte
// is always a type tag, the remainder is type-specific. Comparison is
// weakly typed: numeric kinds compare as numbers via their canonical
// double/long form, character-sequence kinds (STRING, TAG) compare
// case-insensitively against each other, and the two infinity sentinels
// dominate every real value.
package codec

import (
	"fmt"
)

// Kind identifies the dynamic type carried by a Value.
type Kind byte

const (
	KindNull Kind = 0x00
	KindBool Kind = 0x01
	KindInt  Kind = 0x02 // 32-bit
	KindFloat Kind = 0x03 // 32-bit
	KindLong Kind = 0x04 // 64-bit
	KindDouble Kind = 0x05 // 64-bit
	KindLink Kind = 0x06 // record id, int64
	KindString Kind = 0x07
	KindTag    Kind = 0x08
	KindTimestamp Kind = 0x09
	// KindPosition is not part of the client-facing Value surface; it is
	// the wire representation of a Corpus chunk's (record, ordinal) pair,
	// added so Corpus revisions can be value-encoded like every other
	// revision shape instead of needing a side channel.
	KindPosition Kind = 0x0A

	KindNegativeInfinity Kind = 0xFE
	KindPositiveInfinity Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindBool:
		return "BOOLEAN"
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindLong:
		return "LONG"
	case KindDouble:
		return "DOUBLE"
	case KindLink:
		return "LINK"
	case KindString:
		return "STRING"
	case KindTag:
		return "TAG"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindPosition:
		return "POSITION"
	case KindNegativeInfinity:
		return "NEGATIVE_INFINITY"
	case KindPositiveInfinity:
		return "POSITIVE_INFINITY"
	default:
		return fmt.Sprintf("Kind(0x%02X)", byte(k))
	}
}

// Position is the (record, ordinal-in-token-stream) pair recorded by a
// Corpus chunk entry.
type Position struct {
	Record  int64
	Ordinal int32
}

// Value is a typed scalar. The zero Value is NULL.
//
// Only the field matching Kind is meaningful; callers should construct
// Values with the New* constructors rather than building the struct by
// hand.
type Value struct {
	Kind Kind

	b   bool
	i32 int32
	f32 float32
	i64 int64
	f64 float64
	str string
	pos Position
}

func NewNull() Value                 { return Value{Kind: KindNull} }
func NewBool(v bool) Value           { return Value{Kind: KindBool, b: v} }
func NewInt(v int32) Value           { return Value{Kind: KindInt, i32: v} }
func NewFloat(v float32) Value       { return Value{Kind: KindFloat, f32: v} }
func NewLong(v int64) Value          { return Value{Kind: KindLong, i64: v} }
func NewDouble(v float64) Value      { return Value{Kind: KindDouble, f64: v} }
func NewLink(recordID int64) Value   { return Value{Kind: KindLink, i64: recordID} }
func NewString(v string) Value       { return Value{Kind: KindString, str: v} }
func NewTag(v string) Value          { return Value{Kind: KindTag, str: v} }
func NewTimestamp(unixNanos int64) Value { return Value{Kind: KindTimestamp, i64: unixNanos} }
func NewPosition(record int64, ordinal int32) Value {
	return Value{Kind: KindPosition, pos: Position{Record: record, Ordinal: ordinal}}
}

// NegativeInfinity and PositiveInfinity are sentinels used to denote open
// range bounds; they sort below/above every real value.
func NegativeInfinity() Value { return Value{Kind: KindNegativeInfinity} }
func PositiveInfinity() Value { return Value{Kind: KindPositiveInfinity} }

func (v Value) Bool() bool           { return v.b }
func (v Value) Int() int32           { return v.i32 }
func (v Value) Float() float32       { return v.f32 }
func (v Value) Long() int64          { return v.i64 }
func (v Value) Double() float64      { return v.f64 }
func (v Value) Link() int64          { return v.i64 }
func (v Value) String() string       { return v.str }
func (v Value) Timestamp() int64     { return v.i64 }
func (v Value) Position() Position   { return v.pos }

// IsCharacterSequence reports whether v is STRING or TAG, the two kinds
// that compare case-insensitively against each other.
func (v Value) IsCharacterSequence() bool {
	return v.Kind == KindString || v.Kind == KindTag
}

// IsNumeric reports whether v is one of the five numeric kinds that
// compare via their canonical double/long form.
func (v Value) IsNumeric() bool {
	switch v.Kind {
	case KindInt, KindFloat, KindLong, KindDouble, KindTimestamp:
		return true
	default:
		return false
	}
}
