package segment

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// manifestEntry is the sorted-by-hash index spec.md §6 calls
// "[locator_hash u64][start u64][end u64]": a fast seek from a Locator's
// hash straight to its contiguous byte range in the frozen data section.
// Hash collisions are resolved by re-checking the decoded Locator against
// the query (see frozenChunk.scanLocator); they cost an extra decode, not
// correctness.
type manifestEntry struct {
	hash  uint64
	start uint64
	end   uint64
}

const manifestEntrySize = 8 + 8 + 8

func hashKey(b []byte) uint64 { return xxhash.Sum64(b) }

func encodeManifest(entries []manifestEntry) []byte {
	sorted := append([]manifestEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].hash < sorted[j].hash })

	buf := make([]byte, 0, len(sorted)*manifestEntrySize)
	for _, e := range sorted {
		var rec [manifestEntrySize]byte
		binary.BigEndian.PutUint64(rec[0:8], e.hash)
		binary.BigEndian.PutUint64(rec[8:16], e.start)
		binary.BigEndian.PutUint64(rec[16:24], e.end)
		buf = append(buf, rec[:]...)
	}

	return buf
}

func decodeManifest(buf []byte) ([]manifestEntry, error) {
	if len(buf)%manifestEntrySize != 0 {
		return nil, fmt.Errorf("segment: manifest length %d not a multiple of %d", len(buf), manifestEntrySize)
	}

	n := len(buf) / manifestEntrySize
	entries := make([]manifestEntry, n)

	for i := range entries {
		rec := buf[i*manifestEntrySize : (i+1)*manifestEntrySize]
		entries[i] = manifestEntry{
			hash:  binary.BigEndian.Uint64(rec[0:8]),
			start: binary.BigEndian.Uint64(rec[8:16]),
			end:   binary.BigEndian.Uint64(rec[16:24]),
		}
	}

	return entries, nil
}

// manifestEntriesForHash returns every entry matching h (almost always
// zero or one; more than one only under a hash collision between distinct
// Locators).
func manifestEntriesForHash(entries []manifestEntry, h uint64) []manifestEntry {
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= h })

	var out []manifestEntry
	for i := lo; i < len(entries) && entries[i].hash == h; i++ {
		out = append(out, entries[i])
	}

	return out
}
