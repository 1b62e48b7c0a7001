package segment

import (
	"fmt"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/inventory"
	"github.com/strata-db/strata/internal/revision"
)

// frozenChunk is the immutable, on-disk-backed state a Chunk transitions
// into after Freeze. src addresses the chunk's own byte section (offset 0
// is the first byte of this chunk's data, not of the shared .seg file).
type frozenChunk struct {
	stats    Stats
	manifest []manifestEntry
	filter   *inventory.Filter
	src      dataSource
}

// SchemaVersion is the frozen-chunk on-disk format tag recorded in Stats.
const SchemaVersion = 1

// Stats is the fixed summary spec.md §6 requires per Chunk.
type Stats struct {
	SchemaVersion uint32
	MinVersion    uint64
	MaxVersion    uint64
	Count         int
}

type builtFrozenChunk struct {
	data            []byte
	manifestBytes   []byte
	manifestEntries []manifestEntry
	filterBytes     []byte
	filter          *inventory.Filter
	statsBytes      []byte
	stats           Stats
}

// buildFrozenBytes streams mutable (already sorted by (Locator, Key, Val,
// Version) per revisionLess) into its frozen byte form: one manifest entry
// per contiguous run of equal Locators, a Bloom filter seeded with both
// the (Locator) and (Locator, Key) composite keys spec.md §4.4 names, and
// the fixed stats footer.
func buildFrozenBytes(mutable []revision.Revision) (builtFrozenChunk, error) {
	filter, err := inventory.NewFilter(uint64(len(mutable)))
	if err != nil {
		return builtFrozenChunk{}, fmt.Errorf("segment: new bloom filter: %w", err)
	}

	var (
		data     []byte
		entries  []manifestEntry
		stats    Stats
		runStart = -1
	)

	stats.SchemaVersion = SchemaVersion

	var runStartOffset int64

	for i, rev := range mutable {
		if stats.Count == 0 || rev.Version < stats.MinVersion {
			stats.MinVersion = rev.Version
		}
		if rev.Version > stats.MaxVersion {
			stats.MaxVersion = rev.Version
		}
		stats.Count++

		filter.Add(locatorBloomKey(rev.Locator))
		filter.Add(compositeBloomKey(rev.Locator, rev.Key))

		newRun := runStart < 0 || codec.Compare(mutable[runStart].Locator, rev.Locator) != codec.Equal
		if newRun {
			if runStart >= 0 {
				entries = append(entries, manifestEntry{
					hash:  hashKey(locatorBloomKey(mutable[runStart].Locator)),
					start: uint64(runStartOffset),
					end:   uint64(len(data)),
				})
			}
			runStart = i
			runStartOffset = int64(len(data))
		}

		data = revision.Encode(data, rev)
	}

	if runStart >= 0 {
		entries = append(entries, manifestEntry{
			hash:  hashKey(locatorBloomKey(mutable[runStart].Locator)),
			start: uint64(runStartOffset),
			end:   uint64(len(data)),
		})
	}

	return builtFrozenChunk{
		data:            data,
		manifestBytes:   encodeManifest(entries),
		manifestEntries: entries,
		filterBytes:     mustMarshalFilter(filter),
		filter:          filter,
		statsBytes:      encodeStats(stats),
		stats:           stats,
	}, nil
}

func mustMarshalFilter(f *inventory.Filter) []byte {
	b, err := f.MarshalBinary()
	if err != nil {
		// A bloomfilter/v2 filter built in-process always marshals
		// cleanly; a failure here indicates a library invariant broke.
		panic(fmt.Sprintf("segment: marshal bloom filter: %v", err))
	}
	return b
}

// locatorBloomKey returns the composite byte key identifying "this
// Locator is present somewhere in the chunk".
func locatorBloomKey(locator codec.Value) []byte {
	return append([]byte{byte(locator.Kind)}, codec.CanonicalBytes(locator)...)
}

// compositeBloomKey returns the composite byte key identifying "this
// exact (Locator, Key) pair is present somewhere in the chunk".
func compositeBloomKey(locator, key codec.Value) []byte {
	b := locatorBloomKey(locator)
	b = append(b, 0)
	b = append(b, byte(key.Kind))
	b = append(b, codec.CanonicalBytes(key)...)
	return b
}

// scanLocator probes the Bloom filter, then the manifest, then decodes the
// matched byte range.
func (fc *frozenChunk) scanLocator(locator codec.Value) ([]revision.Revision, error) {
	key := locatorBloomKey(locator)
	if !fc.filter.MaybeContains(key) {
		return nil, nil
	}

	h := hashKey(key)

	entries := manifestEntriesForHash(fc.manifest, h)
	if len(entries) == 0 {
		return nil, nil
	}

	var out []revision.Revision

	for _, e := range entries {
		buf := make([]byte, e.end-e.start)
		if _, err := fc.src.ReadAt(buf, int64(e.start)); err != nil {
			return nil, fmt.Errorf("segment: read range: %w", err)
		}

		revs, err := decodeRevisionRun(buf)
		if err != nil {
			return nil, err
		}

		for _, rev := range revs {
			if codec.ValuesEqual(rev.Locator, locator) {
				out = append(out, rev)
			}
		}
	}

	return out, nil
}

// scanAll decodes every revision held in the frozen section.
func (fc *frozenChunk) scanAll() ([]revision.Revision, error) {
	buf := make([]byte, fc.byteLength())
	if _, err := fc.src.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("segment: read all: %w", err)
	}

	return decodeRevisionRun(buf)
}

func (fc *frozenChunk) byteLength() int64 {
	var max int64
	for _, e := range fc.manifest {
		if int64(e.end) > max {
			max = int64(e.end)
		}
	}
	return max
}

func decodeRevisionRun(buf []byte) ([]revision.Revision, error) {
	var out []revision.Revision

	for len(buf) > 0 {
		rev, n, err := revision.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("segment: decode revision: %w", err)
		}
		out = append(out, rev)
		buf = buf[n:]
	}

	return out, nil
}
