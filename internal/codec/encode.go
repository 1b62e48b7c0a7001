package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned by Decode when buf is too short for the type tag
// it starts with.
var ErrTruncated = errors.New("codec: truncated buffer")

// ErrUnknownTag is returned by Decode when the leading byte is not a
// recognized Kind.
var ErrUnknownTag = errors.New("codec: unknown type tag")

// Encode appends the self-describing wire form of v to dst and returns the
// extended slice: [tag byte][type-specific bytes].
func Encode(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))

	switch v.Kind {
	case KindNull, KindNegativeInfinity, KindPositiveInfinity:
		return dst
	case KindBool:
		if v.b {
			return append(dst, 1)
		}
		return append(dst, 0)
	case KindInt:
		return appendUint32(dst, uint32(v.i32))
	case KindFloat:
		return appendUint32(dst, math.Float32bits(v.f32))
	case KindLong, KindLink, KindTimestamp:
		return appendUint64(dst, uint64(v.i64))
	case KindDouble:
		return appendUint64(dst, math.Float64bits(v.f64))
	case KindString, KindTag:
		b := []byte(v.str)
		dst = appendUint32(dst, uint32(len(b)))
		return append(dst, b...)
	case KindPosition:
		dst = appendUint64(dst, uint64(v.pos.Record))
		return appendUint32(dst, uint32(v.pos.Ordinal))
	default:
		panic(fmt.Sprintf("codec: Encode: unhandled kind %s", v.Kind))
	}
}

// Decode parses a Value from the front of buf and returns the value plus
// the number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, ErrTruncated
	}

	kind := Kind(buf[0])
	rest := buf[1:]

	switch kind {
	case KindNull:
		return NewNull(), 1, nil
	case KindNegativeInfinity:
		return NegativeInfinity(), 1, nil
	case KindPositiveInfinity:
		return PositiveInfinity(), 1, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, ErrTruncated
		}
		return NewBool(rest[0] != 0), 2, nil
	case KindInt:
		u, n, err := readUint32(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewInt(int32(u)), 1 + n, nil
	case KindFloat:
		u, n, err := readUint32(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewFloat(math.Float32frombits(u)), 1 + n, nil
	case KindLong:
		u, n, err := readUint64(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewLong(int64(u)), 1 + n, nil
	case KindLink:
		u, n, err := readUint64(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewLink(int64(u)), 1 + n, nil
	case KindTimestamp:
		u, n, err := readUint64(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewTimestamp(int64(u)), 1 + n, nil
	case KindDouble:
		u, n, err := readUint64(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewDouble(math.Float64frombits(u)), 1 + n, nil
	case KindString, KindTag:
		length, n, err := readUint32(rest)
		if err != nil {
			return Value{}, 0, err
		}
		rest = rest[n:]
		if uint32(len(rest)) < length {
			return Value{}, 0, ErrTruncated
		}
		s := string(rest[:length])
		if kind == KindTag {
			return NewTag(s), 1 + n + int(length), nil
		}
		return NewString(s), 1 + n + int(length), nil
	case KindPosition:
		record, n1, err := readUint64(rest)
		if err != nil {
			return Value{}, 0, err
		}
		rest = rest[n1:]
		ordinal, n2, err := readUint32(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return NewPosition(int64(record), int32(ordinal)), 1 + n1 + n2, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: 0x%02X", ErrUnknownTag, byte(kind))
	}
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func readUint32(buf []byte) (uint32, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf), 4, nil
}

func readUint64(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(buf), 8, nil
}
