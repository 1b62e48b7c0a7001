// Package search implements the Corpus chunk's substring/infix indexer:
// tokenizing written text into Corpus revisions (§4.5) and evaluating
// phrase queries against an already-indexed Corpus by position adjacency.
package search

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/inventory"
	"github.com/strata-db/strata/internal/revision"
	"golang.org/x/sync/errgroup"
)

// largeTokenThreshold is the substring-count boundary past which
// dedup switches from an exact map to an approximate Bloom filter, per
// spec.md §4.5 ("very large tokens ... use an off-heap hash set for dedup
// to avoid OOM").
const largeTokenThreshold = 10_000_000

// DefaultWorkers returns spec.md §4.5's worker pool size: at least 3,
// otherwise half the available cores.
func DefaultWorkers() int {
	if n := runtime.NumCPU() / 2; n > 3 {
		return n
	}
	return 3
}

// Sink receives one Corpus revision per unique substring, typically a
// mutable segment.Chunk of shape revision.ShapeCorpus.
type Sink interface {
	Insert(rev revision.Revision)
}

// Indexer owns the fixed-size worker pool spec.md §4.5 requires and the
// tokenizer configuration (stopwords, substring length cap) read from
// strata.Config.
type Indexer struct {
	workers            int
	maxSubstringLength int
	stopwords          map[string]struct{}
}

// Options configures an Indexer.
type Options struct {
	// Workers is the fixed worker pool size. Zero uses DefaultWorkers.
	Workers int
	// MaxSubstringLength caps enumerated substring length; zero means
	// unlimited, matching spec.md §6's max_search_substring_length (0 =
	// unlimited).
	MaxSubstringLength int
	// Stopwords are lowercase tokens skipped entirely during indexing.
	Stopwords []string
}

// New returns an Indexer configured per opts.
func New(opts Options) *Indexer {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	stopwords := make(map[string]struct{}, len(opts.Stopwords))
	for _, w := range opts.Stopwords {
		stopwords[strings.ToLower(w)] = struct{}{}
	}

	return &Indexer{
		workers:            workers,
		maxSubstringLength: opts.MaxSubstringLength,
		stopwords:          stopwords,
	}
}

// tokenize lowercases text and splits on runs of whitespace, per spec.md
// §4.5 step 1. Both indexing and query parsing go through this one
// function so substrings and query words are comparable.
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Index enumerates every unique, non-stopword, non-empty substring of
// text's tokens and enqueues a Corpus revision insert for each into sink,
// fanned out across the worker pool, blocking until every insert lands -
// spec.md §4.5's "CountUpLatch": the caller's write is not acknowledged
// until indexing is durable in the mutable Corpus chunk.
func (ix *Indexer) Index(ctx context.Context, sink Sink, field string, text string, record int64, version uint64, action revision.Action) error {
	tokens := tokenize(text)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)

	for p, tok := range tokens {
		if _, skip := ix.stopwords[tok]; skip {
			continue
		}

		substrings, err := ix.substringsOf(tok)
		if err != nil {
			return fmt.Errorf("search: tokenize %q: %w", tok, err)
		}

		ordinal := int32(p)

		for _, s := range substrings {
			s := s

			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				sink.Insert(revision.NewCorpusRevision(field, s, codec.NewPosition(record, ordinal), version, action))
				return nil
			})
		}
	}

	return g.Wait()
}

// substringsOf enumerates every distinct, non-empty substring of tok (up
// to maxSubstringLength, when set). Small tokens dedup exactly with a
// map; tokens whose substring count would exceed largeTokenThreshold fall
// back to an approximate Bloom filter so a pathological single token
// cannot exhaust memory.
func (ix *Indexer) substringsOf(tok string) ([]string, error) {
	runes := []rune(tok)
	n := len(runes)

	maxLen := n
	if ix.maxSubstringLength > 0 && ix.maxSubstringLength < maxLen {
		maxLen = ix.maxSubstringLength
	}

	estimate := estimateSubstringCount(n, maxLen)

	if estimate <= largeTokenThreshold {
		return dedupExact(runes, maxLen), nil
	}

	return dedupApproximate(runes, maxLen, estimate)
}

func estimateSubstringCount(n, maxLen int) int {
	total := 0
	for start := 0; start < n; start++ {
		remaining := n - start
		if remaining > maxLen {
			remaining = maxLen
		}
		total += remaining
	}
	return total
}

func dedupExact(runes []rune, maxLen int) []string {
	seen := make(map[string]struct{})
	var out []string

	for start := range runes {
		limit := len(runes) - start
		if limit > maxLen {
			limit = maxLen
		}

		for l := 1; l <= limit; l++ {
			s := string(runes[start : start+l])
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	return out
}

// dedupApproximate uses a Bloom filter sized for the estimated substring
// count rather than an exact set, per spec.md §4.5's explicit allowance
// for approximate dedup on pathological tokens: a substring that
// collides against the filter is simply skipped (at worst, a handful of
// substrings are under-indexed, never over-indexed into a phantom one).
func dedupApproximate(runes []rune, maxLen, estimate int) ([]string, error) {
	filter, err := inventory.NewFilter(uint64(estimate))
	if err != nil {
		return nil, fmt.Errorf("new bloom filter for %d substrings: %w", estimate, err)
	}

	var out []string

	for start := range runes {
		limit := len(runes) - start
		if limit > maxLen {
			limit = maxLen
		}

		for l := 1; l <= limit; l++ {
			s := string(runes[start : start+l])
			key := []byte(s)

			if filter.MaybeContains(key) {
				continue
			}

			filter.Add(key)
			out = append(out, s)
		}
	}

	return out, nil
}

// Reader resolves every Position ever recorded for a (field, token) pair,
// as of version asOf, already folded for ADD/REMOVE presence - the caller
// (typically strata.Engine) is responsible for fanning this out across
// the Buffer's mutable Corpus chunk and every Segment's frozen Corpus
// chunk and folding the combined result, since internal/search has no
// dependency on internal/segment or internal/buffer.
type Reader interface {
	Positions(field, token string, asOf uint64) ([]codec.Position, error)
}

// Query tokenizes query the same way as Index, looks up each resulting
// word's Positions via reader, and intersects the per-word record sets by
// position adjacency: word i+1 must occur at position p+1 of the same
// record as word i at position p, per spec.md §4.5's phrase-adjacency
// contract. An empty query matches no records.
func (ix *Indexer) Query(reader Reader, field, query string, asOf uint64) (map[int64]struct{}, error) {
	words := tokenize(query)
	if len(words) == 0 {
		return map[int64]struct{}{}, nil
	}

	perWord := make([]recordOrdinals, len(words))

	for i, w := range words {
		positions, err := reader.Positions(field, w, asOf)
		if err != nil {
			return nil, fmt.Errorf("search: positions for %q: %w", w, err)
		}
		perWord[i] = collectOrdinals(positions)
	}

	result := make(map[int64]struct{})

	for record, ordinals := range perWord[0] {
		for _, p0 := range ordinals {
			if matchesFrom(perWord, record, p0) {
				result[record] = struct{}{}
				break
			}
		}
	}

	return result, nil
}

// recordOrdinals maps a record id to its sorted token-stream positions
// for one query word.
type recordOrdinals map[int64][]int32

func collectOrdinals(positions []codec.Position) recordOrdinals {
	m := make(recordOrdinals)
	for _, p := range positions {
		m[p.Record] = append(m[p.Record], p.Ordinal)
	}

	for r := range m {
		sort.Slice(m[r], func(i, j int) bool { return m[r][i] < m[r][j] })
	}

	return m
}

func matchesFrom(perWord []recordOrdinals, record int64, start int32) bool {
	for i := 1; i < len(perWord); i++ {
		if !hasOrdinal(perWord[i][record], start+int32(i)) {
			return false
		}
	}
	return true
}

func hasOrdinal(sorted []int32, want int32) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= want })
	return i < len(sorted) && sorted[i] == want
}
