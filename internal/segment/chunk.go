package segment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/inventory"
	"github.com/strata-db/strata/internal/revision"
)

// Chunk is a sorted, indexed collection of Revisions on one of the three
// axes (Table, Index, Corpus). A Chunk starts life mutable (an in-memory
// sorted slice, insertion via binary search) and is frozen exactly once
// into an immutable on-disk form - after Freeze, Insert panics.
type Chunk struct {
	Shape revision.Shape

	mu      sync.RWMutex
	mutable []revision.Revision
	frozen  *frozenChunk
}

// NewChunk returns an empty mutable Chunk of the given shape.
func NewChunk(shape revision.Shape) *Chunk {
	return &Chunk{Shape: shape}
}

// revisionLess orders Revisions by (Locator, Key, Val, Version), the
// ordering spec.md §4.4 requires of a Chunk's in-memory multiset: all
// entries sharing a Locator are contiguous, which Freeze relies on to
// build one manifest entry per Locator.
func revisionLess(a, b revision.Revision) bool {
	if c := codec.Compare(a.Locator, b.Locator); c != codec.Equal {
		return c == codec.Less
	}
	if c := codec.Compare(a.Key, b.Key); c != codec.Equal {
		return c == codec.Less
	}
	if c := codec.Compare(a.Val, b.Val); c != codec.Equal {
		return c == codec.Less
	}
	return a.Version < b.Version
}

// Insert adds rev to the mutable multiset in sorted position. Duplicate
// (Locator, Key, Val, Version) entries are permitted; a new entry goes
// before any existing entries equal to it, which is immaterial since a
// read fold only cares about the outcome per distinct (Locator, Key, Val)
// group.
//
// Insert panics if the Chunk has already been frozen - a frozen Chunk's
// backing bytes are already laid out on disk.
func (c *Chunk) Insert(rev revision.Revision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen != nil {
		panic("segment: Insert on frozen chunk")
	}

	i := sort.Search(len(c.mutable), func(i int) bool {
		return !revisionLess(c.mutable[i], rev)
	})

	c.mutable = append(c.mutable, revision.Revision{})
	copy(c.mutable[i+1:], c.mutable[i:])
	c.mutable[i] = rev
}

// Len reports the number of entries currently held, mutable or frozen.
func (c *Chunk) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.frozen != nil {
		return c.frozen.stats.Count
	}
	return len(c.mutable)
}

// IsFrozen reports whether Freeze has already been called.
func (c *Chunk) IsFrozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen != nil
}

// ScanLocator returns every Revision sharing locator, across both the
// mutable and frozen state, sorted by (Key, Val, Version). A Bloom
// negative hit on the frozen side short-circuits the on-disk probe.
func (c *Chunk) ScanLocator(locator codec.Value) ([]revision.Revision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []revision.Revision

	for _, rev := range c.mutable {
		if codec.ValuesEqual(rev.Locator, locator) {
			out = append(out, rev)
		}
	}

	if c.frozen != nil {
		frozenRevs, err := c.frozen.scanLocator(locator)
		if err != nil {
			return nil, err
		}
		out = append(out, frozenRevs...)
	}

	return out, nil
}

// ScanLocatorKey returns every Revision matching both locator and key,
// sorted by Version. Used for a point lookup of one (Locator, Key) pair -
// e.g. a membership check or a single Index value's record set.
func (c *Chunk) ScanLocatorKey(locator, key codec.Value) ([]revision.Revision, error) {
	all, err := c.ScanLocator(locator)
	if err != nil {
		return nil, err
	}

	out := all[:0:0]
	for _, rev := range all {
		if codec.ValuesEqual(rev.Key, key) {
			out = append(out, rev)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	return out, nil
}

// ScanAll returns every Revision held by the chunk (mutable and frozen).
// Used for full-chunk operations: building a fresh Inventory replay, or a
// Corpus phrase search that must visit every token.
func (c *Chunk) ScanAll() ([]revision.Revision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := append([]revision.Revision(nil), c.mutable...)

	if c.frozen != nil {
		frozenRevs, err := c.frozen.scanAll()
		if err != nil {
			return nil, err
		}
		out = append(out, frozenRevs...)
	}

	return out, nil
}

// PresentEntry is one (Key, Val) pair whose most recent action at or
// before asOf was ADD, as produced by Fold - spec.md §3's presence-parity
// invariant, evaluated independently per distinct (Locator, Key, Val)
// triple since a key may carry more than one concurrently-present value
// (the record's field is a multiset).
type PresentEntry struct {
	Key codec.Value
	Val codec.Value
}

// Fold groups revs (which must all share one Locator) by (Key, Val) and
// returns the entries currently present as of asOf (version <= asOf; use
// [math.MaxUint64] for "now").
func Fold(revs []revision.Revision, asOf uint64) []PresentEntry {
	type groupKey struct {
		keyBytes string
		valBytes string
	}

	type groupState struct {
		key, val   codec.Value
		lastAction revision.Action
		lastVer    uint64
		seen       bool
	}

	groups := make(map[groupKey]*groupState)
	order := make([]groupKey, 0, len(revs))

	for _, rev := range revs {
		if rev.Version > asOf {
			continue
		}

		gk := groupKey{
			keyBytes: string(codec.CanonicalBytes(rev.Key)),
			valBytes: string(codec.CanonicalBytes(rev.Val)),
		}

		g, ok := groups[gk]
		if !ok {
			g = &groupState{key: rev.Key, val: rev.Val}
			groups[gk] = g
			order = append(order, gk)
		}

		if !g.seen || rev.Version >= g.lastVer {
			g.lastAction = rev.Action
			g.lastVer = rev.Version
			g.seen = true
		}
	}

	out := make([]PresentEntry, 0, len(order))
	for _, gk := range order {
		g := groups[gk]
		if g.lastAction == revision.ActionAdd {
			out = append(out, PresentEntry{Key: g.key, Val: g.val})
		}
	}

	return out
}

// Freeze streams the mutable multiset into an immutable on-disk form and
// drops the in-memory slice. It returns the four byte sections (data,
// manifest, filter, stats) the caller (Segment.Freeze) writes to the
// shared companion files.
func (c *Chunk) Freeze() (data, manifest, filter, stats []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen != nil {
		return nil, nil, nil, nil, fmt.Errorf("segment: chunk already frozen")
	}

	built, err := buildFrozenBytes(c.mutable)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	c.frozen = &frozenChunk{
		stats:    built.stats,
		manifest: built.manifestEntries,
		filter:   built.filter,
		src:      memSource(built.data),
	}

	c.mutable = nil

	return built.data, built.manifestBytes, built.filterBytes, built.statsBytes, nil
}

// LoadChunk attaches a previously-frozen Chunk to its on-disk byte
// sections, used by loadSegment when opening an existing Segment from disk.
func LoadChunk(shape revision.Shape, src dataSource, manifestBytes, filterBytes, statsBytes []byte) (*Chunk, error) {
	st, err := decodeStats(statsBytes)
	if err != nil {
		return nil, fmt.Errorf("segment: decode stats: %w", err)
	}

	entries, err := decodeManifest(manifestBytes)
	if err != nil {
		return nil, fmt.Errorf("segment: decode manifest: %w", err)
	}

	filter, err := inventory.UnmarshalFilter(filterBytes)
	if err != nil {
		return nil, fmt.Errorf("segment: decode filter: %w", err)
	}

	return &Chunk{
		Shape: shape,
		frozen: &frozenChunk{
			stats:    st,
			manifest: entries,
			filter:   filter,
			src:      src,
		},
	}, nil
}

// Stats exposes the frozen chunk's summary, or a zero value for a chunk
// still mutable.
func (c *Chunk) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.frozen == nil {
		return Stats{}
	}
	return c.frozen.stats
}

// Close releases the chunk's frozen backing resource (an mmap or open
// file), a no-op for a chunk still mutable.
func (c *Chunk) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen == nil {
		return nil
	}
	return c.frozen.src.Close()
}
