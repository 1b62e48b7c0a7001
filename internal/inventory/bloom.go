package inventory

import (
	"fmt"

	"github.com/holiman/bloomfilter/v2"
)

// defaultFilterBits and defaultFilterHashes give roughly a 1% false
// positive rate for a filter sized to hold a single Chunk's revisions
// during its mutable phase (tens of thousands of keys); segments with
// many more revisions size their filter proportionally via NewFilter.
const (
	defaultFilterBits   = 1 << 20
	defaultFilterHashes = 4
)

// Filter wraps a bloomfilter/v2 filter for per-Chunk negative lookups,
// keyed on composite byte strings the caller builds (typically Locator
// alone, or Locator+Key concatenated) per spec.md §4.4.
type Filter struct {
	bf *bloomfilter.Filter
}

// NewFilter returns a Filter sized for approximately n expected keys at
// the default false-positive rate. n == 0 falls back to defaultFilterBits.
func NewFilter(n uint64) (*Filter, error) {
	bits := defaultFilterBits
	if n > 0 {
		// ~10 bits per key is the standard rule of thumb for a ~1% FP
		// rate bloom filter with defaultFilterHashes hash functions.
		bits = int(n) * 10
	}

	bf, err := bloomfilter.New(uint64(bits), defaultFilterHashes)
	if err != nil {
		return nil, fmt.Errorf("inventory: new bloom filter: %w", err)
	}

	return &Filter{bf: bf}, nil
}

// Add records key as present.
func (f *Filter) Add(key []byte) {
	f.bf.Add(bloomfilter.NewHash(key))
}

// MaybeContains reports whether key might be present. false is a
// definitive answer (the key is absent); true requires a real lookup to
// confirm, since bloom filters admit false positives but never false
// negatives.
func (f *Filter) MaybeContains(key []byte) bool {
	return f.bf.Contains(bloomfilter.NewHash(key))
}

// MarshalBinary serializes the filter for the Segment's .fltr companion
// file.
func (f *Filter) MarshalBinary() ([]byte, error) {
	return f.bf.MarshalBinary()
}

// UnmarshalFilter deserializes a Filter previously written by
// [Filter.MarshalBinary].
func UnmarshalFilter(data []byte) (*Filter, error) {
	bf := &bloomfilter.Filter{}

	if err := bf.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("inventory: unmarshal bloom filter: %w", err)
	}

	return &Filter{bf: bf}, nil
}
