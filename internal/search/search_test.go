package search

import (
	"context"
	"sort"
	"testing"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/revision"
)

// fakeSink records inserted revisions for assertions.
type fakeSink struct {
	revs []revision.Revision
}

func (s *fakeSink) Insert(rev revision.Revision) { s.revs = append(s.revs, rev) }

func Test_Indexer_Index_Enumerates_All_Substrings_Of_Each_Token(t *testing.T) {
	ix := New(Options{Workers: 2})
	sink := &fakeSink{}

	if err := ix.Index(context.Background(), sink, "bio", "the fox", 5, 1, revision.ActionAdd); err != nil {
		t.Fatalf("Index: %v", err)
	}

	want := map[string]bool{"t": true, "h": true, "e": true, "th": true, "he": true, "the": true}
	got := map[string]bool{}
	for _, rev := range sink.revs {
		if rev.Locator.String() == "bio" {
			got[rev.Key.String()] = true
		}
	}

	for substr := range want {
		if !got[substr] {
			t.Fatalf("missing substring %q among inserted revisions", substr)
		}
	}
}

func Test_Indexer_Index_Skips_Stopwords(t *testing.T) {
	ix := New(Options{Workers: 2, Stopwords: []string{"the"}})
	sink := &fakeSink{}

	if err := ix.Index(context.Background(), sink, "bio", "the fox", 5, 1, revision.ActionAdd); err != nil {
		t.Fatalf("Index: %v", err)
	}

	for _, rev := range sink.revs {
		if rev.Key.String() == "the" {
			t.Fatalf("stopword %q should never be indexed", rev.Key.String())
		}
	}
}

func Test_Indexer_Index_Respects_MaxSubstringLength(t *testing.T) {
	ix := New(Options{Workers: 2, MaxSubstringLength: 2})
	sink := &fakeSink{}

	if err := ix.Index(context.Background(), sink, "bio", "fox", 5, 1, revision.ActionAdd); err != nil {
		t.Fatalf("Index: %v", err)
	}

	for _, rev := range sink.revs {
		if len(rev.Key.String()) > 2 {
			t.Fatalf("substring %q exceeds configured max length 2", rev.Key.String())
		}
	}
}

func Test_Indexer_Index_Records_Position_Per_Token(t *testing.T) {
	ix := New(Options{Workers: 2})
	sink := &fakeSink{}

	if err := ix.Index(context.Background(), sink, "bio", "quick brown fox", 5, 1, revision.ActionAdd); err != nil {
		t.Fatalf("Index: %v", err)
	}

	ordinalsFor := func(token string) []int32 {
		var ords []int32
		for _, rev := range sink.revs {
			if rev.Key.String() == token {
				ords = append(ords, rev.Val.Position().Ordinal)
			}
		}
		return ords
	}

	if ords := ordinalsFor("quick"); len(ords) != 1 || ords[0] != 0 {
		t.Fatalf("quick ordinals = %v, want [0]", ords)
	}
	if ords := ordinalsFor("brown"); len(ords) != 1 || ords[0] != 1 {
		t.Fatalf("brown ordinals = %v, want [1]", ords)
	}
	if ords := ordinalsFor("fox"); len(ords) != 1 || ords[0] != 2 {
		t.Fatalf("fox ordinals = %v, want [2]", ords)
	}
}

// fakeReader serves Positions straight out of an in-memory index built by
// running an Indexer.Index call, mimicking the folded view
// strata.Engine.Search would construct from the Buffer + Segment store.
type fakeReader struct {
	byToken map[string][]codec.Position
}

func newFakeReader(ix *Indexer, field, text string, record int64) *fakeReader {
	sink := &fakeSink{}
	_ = ix.Index(context.Background(), sink, field, text, record, 1, revision.ActionAdd)

	r := &fakeReader{byToken: map[string][]codec.Position{}}
	for _, rev := range sink.revs {
		r.byToken[rev.Key.String()] = append(r.byToken[rev.Key.String()], rev.Val.Position())
	}
	return r
}

func (r *fakeReader) Positions(field, token string, asOf uint64) ([]codec.Position, error) {
	return r.byToken[token], nil
}

func Test_Indexer_Query_Finds_Infix_Phrase_Across_Token_Boundary(t *testing.T) {
	ix := New(Options{Workers: 2})
	reader := newFakeReader(ix, "bio", "the quick brown fox", 5)

	got, err := ix.Query(reader, "bio", "ick bro", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if _, ok := got[5]; !ok || len(got) != 1 {
		t.Fatalf("Query(\"ick bro\") = %v, want {5}", got)
	}
}

func Test_Indexer_Query_Respects_Word_Order(t *testing.T) {
	ix := New(Options{Workers: 2})
	reader := newFakeReader(ix, "bio", "the quick brown fox", 5)

	got, err := ix.Query(reader, "bio", "fox quick", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(got) != 0 {
		t.Fatalf("Query(\"fox quick\") = %v, want empty (order matters)", got)
	}
}

func Test_Indexer_Query_Single_Word_Matches_Any_Occurrence(t *testing.T) {
	ix := New(Options{Workers: 2})
	reader := newFakeReader(ix, "bio", "the quick brown fox", 5)

	got, err := ix.Query(reader, "bio", "brown", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if _, ok := got[5]; !ok || len(got) != 1 {
		t.Fatalf("Query(\"brown\") = %v, want {5}", got)
	}
}

func Test_DedupExact_Returns_Each_Distinct_Substring_Once(t *testing.T) {
	out := dedupExact([]rune("aba"), 3)

	sorted := append([]string(nil), out...)
	sort.Strings(sorted)

	want := []string{"a", "ab", "aba", "b", "ba"}
	if len(sorted) != len(want) {
		t.Fatalf("dedupExact(\"aba\") = %v, want %v", sorted, want)
	}
	for i := range want {
		if sorted[i] != want[i] {
			t.Fatalf("dedupExact(\"aba\") = %v, want %v", sorted, want)
		}
	}
}
