// Package inventory tracks the lazily-grown set of every record id the
// store has ever written, and provides a per-segment-chunk Bloom filter
// wrapper for O(1) negative lookups.
package inventory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// partitionBits is the width of the sub-bitmap index range: one roaring
// bitmap holds membership for a contiguous block of 2^20 record ids,
// matching spec.md §3's "partitioned bit set (one sub-bitmap per 2^20
// index range)". A record id's high bits select the partition, its low 20
// bits become the roaring bitmap member.
const partitionBits = 20

// Inventory is a lazily-grown set of record ids ever touched, held in
// memory as a map of partition index to roaring bitmap so arbitrary
// (including negative) int64 record ids can be tracked without
// allocating one giant bitmap across the full id space.
//
// Multiple readers, single writer: the Buffer is the only writer (see
// SPEC_FULL §5); reads (Contains, Snapshot) may run concurrently with
// each other and with a single writer goroutine, guarded by an internal
// RWMutex.
type Inventory struct {
	mu         sync.RWMutex
	partitions map[int64]*roaring.Bitmap
	count      int
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{partitions: make(map[int64]*roaring.Bitmap)}
}

func split(record int64) (partition int64, member uint32) {
	return record >> partitionBits, uint32(record & (1<<partitionBits - 1))
}

// Add records that record has been touched. Returns true if this was the
// first time record was added (a genuinely new member), false if record
// was already present.
func (inv *Inventory) Add(record int64) bool {
	partition, member := split(record)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	bmp, ok := inv.partitions[partition]
	if !ok {
		bmp = roaring.New()
		inv.partitions[partition] = bmp
	}

	added := bmp.CheckedAdd(member)
	if added {
		inv.count++
	}

	return added
}

// Contains reports whether record has ever been added.
func (inv *Inventory) Contains(record int64) bool {
	partition, member := split(record)

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	bmp, ok := inv.partitions[partition]
	if !ok {
		return false
	}

	return bmp.Contains(member)
}

// Count returns the number of distinct record ids tracked.
func (inv *Inventory) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.count
}

// Each calls fn for every record id tracked, in ascending partition then
// in-partition order. Each holds the read lock for its entire duration;
// fn must not call back into the Inventory.
func (inv *Inventory) Each(fn func(record int64)) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	partitions := make([]int64, 0, len(inv.partitions))
	for p := range inv.partitions {
		partitions = append(partitions, p)
	}

	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, p := range partitions {
		bmp := inv.partitions[p]

		it := bmp.Iterator()
		for it.HasNext() {
			member := it.Next()
			fn(p<<partitionBits | int64(member))
		}
	}
}

func (inv *Inventory) String() string {
	return fmt.Sprintf("Inventory{partitions=%d, count=%d}", len(inv.partitions), inv.count)
}
