package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// longPrecisionLimit is 2^53, the magnitude beyond which a LONG cannot be
// represented exactly as a float64 without losing precision. Longs within
// this bound compare as doubles; longs beyond it compare as their exact
// 64-bit two's-complement form.
const longPrecisionLimit = int64(1) << 53

// CanonicalBytes returns the canonical comparison form of v: exactly 8
// bytes for every numeric kind (a float64 bit pattern, ordered so that
// byte-lexicographic comparison matches numeric comparison once the sign
// bit is flipped), the lowercased bytes for STRING/TAG, or 12 bytes for
// POSITION (the record id then the ordinal, both big-endian).
//
// Two Values are equal under [Compare] iff their CanonicalBytes are equal,
// EXCEPT for the longPrecisionLimit boundary case documented on [Compare]:
// a LONG beyond ±2^53 compares by its exact integer value even though its
// CanonicalBytes here still encode a (lossy) float64 approximation. This
// keeps CanonicalBytes fixed at 8 bytes as required for fixed-width sort
// keys, while Compare itself consults the original Value for exactness.
func CanonicalBytes(v Value) []byte {
	switch v.Kind {
	case KindNegativeInfinity:
		return orderedFloatBytes(math.Inf(-1))
	case KindPositiveInfinity:
		return orderedFloatBytes(math.Inf(1))
	case KindBool:
		if v.b {
			return orderedFloatBytes(1)
		}
		return orderedFloatBytes(0)
	case KindInt:
		return orderedFloatBytes(float64(v.i32))
	case KindFloat:
		return orderedFloatBytes(float64(v.f32))
	case KindLong, KindLink, KindTimestamp:
		return orderedFloatBytes(float64(v.i64))
	case KindDouble:
		return orderedFloatBytes(v.f64)
	case KindString, KindTag:
		return []byte(strings.ToLower(v.str))
	case KindPosition:
		var buf [12]byte
		binary.BigEndian.PutUint64(buf[0:8], uint64(v.pos.Record))
		binary.BigEndian.PutUint32(buf[8:12], uint32(v.pos.Ordinal))
		return buf[:]
	case KindNull:
		return nil
	default:
		panic(fmt.Sprintf("codec: CanonicalBytes: unhandled kind %s", v.Kind))
	}
}

// orderedFloatBytes returns an 8-byte big-endian encoding of f such that
// unsigned byte-lexicographic comparison matches float comparison.
func orderedFloatBytes(f float64) []byte {
	bits := math.Float64bits(f)

	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)

	return buf[:]
}

// Ordering is the result of [Compare].
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// Compare orders two Values per the weak-typing rules: numeric kinds
// compare as numbers, STRING/TAG compare case-insensitively against each
// other (and against themselves), NEGATIVE_INFINITY sorts below and
// POSITIVE_INFINITY sorts above every real value, LINK compares against
// LINK by record id, and NULL sorts below everything except
// NEGATIVE_INFINITY.
//
// Comparing a numeric Value against a character-sequence Value (or either
// against NULL) orders by Kind byte, which is an arbitrary but stable and
// total order - callers needing semantic comparisons across heterogeneous
// types should not rely on Compare for cross-type reasoning beyond the
// infinity/NULL sentinels.
func Compare(a, b Value) Ordering {
	if a.Kind == KindNegativeInfinity || b.Kind == KindPositiveInfinity {
		if a.Kind == b.Kind {
			return Equal
		}
		return Less
	}

	if a.Kind == KindPositiveInfinity || b.Kind == KindNegativeInfinity {
		if a.Kind == b.Kind {
			return Equal
		}
		return Greater
	}

	if a.IsNumeric() && b.IsNumeric() {
		return compareNumeric(a, b)
	}

	if a.Kind == KindBool && b.Kind == KindBool {
		return compareNumeric(a, b)
	}

	if a.Kind == KindLink && b.Kind == KindLink {
		switch {
		case a.i64 < b.i64:
			return Less
		case a.i64 > b.i64:
			return Greater
		}
		return Equal
	}

	if a.IsCharacterSequence() && b.IsCharacterSequence() {
		return compareFold(a.str, b.str)
	}

	if a.Kind == KindNull && b.Kind == KindNull {
		return Equal
	}

	if a.Kind == KindNull {
		return Less
	}

	if b.Kind == KindNull {
		return Greater
	}

	if a.Kind < b.Kind {
		return Less
	}

	if a.Kind > b.Kind {
		return Greater
	}

	return Equal
}

func compareNumeric(a, b Value) Ordering {
	if a.Kind == KindLong && b.Kind == KindLong {
		if a.i64 > longPrecisionLimit || a.i64 < -longPrecisionLimit ||
			b.i64 > longPrecisionLimit || b.i64 < -longPrecisionLimit {
			switch {
			case a.i64 < b.i64:
				return Less
			case a.i64 > b.i64:
				return Greater
			default:
				return Equal
			}
		}
	}

	af, bf := numericDouble(a), numericDouble(b)

	switch {
	case af < bf:
		return Less
	case af > bf:
		return Greater
	default:
		return Equal
	}
}

func numericDouble(v Value) float64 {
	switch v.Kind {
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindInt:
		return float64(v.i32)
	case KindFloat:
		return float64(v.f32)
	case KindLong, KindLink, KindTimestamp:
		return float64(v.i64)
	case KindDouble:
		return v.f64
	default:
		panic(fmt.Sprintf("codec: numericDouble: unhandled kind %s", v.Kind))
	}
}

func compareFold(a, b string) Ordering {
	switch {
	case strings.EqualFold(a, b):
		return Equal
	case strings.ToLower(a) < strings.ToLower(b):
		return Less
	default:
		return Greater
	}
}

// ValuesEqual reports whether a and b compare as [Equal].
func ValuesEqual(a, b Value) bool { return Compare(a, b) == Equal }
