package revision

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/strata-db/strata/internal/codec"
)

// ErrTruncated is returned by Decode when buf ends before a complete
// Revision has been read.
var ErrTruncated = errors.New("revision: truncated buffer")

// EncodeWrite appends the wire form of a Write's revision to dst:
//
//	[u8 action][u64 version][len-prefixed key][value encoding][locator encoding]
//
// This matches spec.md §6's Write wire form, generalized so that Locator
// (not just the record id) is itself a self-describing codec.Value -
// required because Index and Corpus revisions locate by field name, not
// by record id.
func EncodeWrite(dst []byte, w *Write) []byte {
	return Encode(dst, w.Revision)
}

// Encode appends the wire form of rev to dst:
//
//	[u8 action][u64 version][key][value][locator]
func Encode(dst []byte, rev Revision) []byte {
	dst = append(dst, byte(rev.Action))

	var verBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], rev.Version)
	dst = append(dst, verBuf[:]...)

	dst = codec.Encode(dst, rev.Key)
	dst = codec.Encode(dst, rev.Val)
	dst = codec.Encode(dst, rev.Locator)

	return dst
}

// Decode parses one Revision from the front of buf, returning it and the
// number of bytes consumed.
func Decode(buf []byte) (Revision, int, error) {
	if len(buf) < 9 {
		return Revision{}, 0, ErrTruncated
	}

	action := Action(buf[0])
	version := binary.BigEndian.Uint64(buf[1:9])
	offset := 9

	key, n, err := codec.Decode(buf[offset:])
	if err != nil {
		return Revision{}, 0, fmt.Errorf("revision: decode key: %w", err)
	}
	offset += n

	val, n, err := codec.Decode(buf[offset:])
	if err != nil {
		return Revision{}, 0, fmt.Errorf("revision: decode value: %w", err)
	}
	offset += n

	locator, n, err := codec.Decode(buf[offset:])
	if err != nil {
		return Revision{}, 0, fmt.Errorf("revision: decode locator: %w", err)
	}
	offset += n

	return Revision{
		Locator: locator,
		Key:     key,
		Val:     val,
		Version: version,
		Action:  action,
	}, offset, nil
}
