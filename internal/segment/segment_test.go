package segment

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/revision"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return logger.Sugar()
}

func Test_Chunk_Freeze_Then_Load_Preserves_ScanLocator(t *testing.T) {
	c := NewChunk(revision.ShapeTable)

	recA := revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd)
	recB := revision.NewTableRevision(2, "name", codec.NewString("Bob"), 2, revision.ActionAdd)
	c.Insert(recA)
	c.Insert(recB)

	data, manifest, filter, stats, err := c.Freeze()
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	loaded, err := LoadChunk(revision.ShapeTable, memSource(data), manifest, filter, stats)
	if err != nil {
		t.Fatalf("LoadChunk: %v", err)
	}
	defer loaded.Close()

	got, err := loaded.ScanLocator(recA.Locator)
	if err != nil {
		t.Fatalf("ScanLocator: %v", err)
	}

	if len(got) != 1 || !codec.ValuesEqual(got[0].Val, recA.Val) {
		t.Fatalf("ScanLocator(recA) = %+v, want one entry matching %+v", got, recA)
	}

	miss, err := loaded.ScanLocator(codec.NewLink(999))
	if err != nil {
		t.Fatalf("ScanLocator(miss): %v", err)
	}
	if len(miss) != 0 {
		t.Fatalf("ScanLocator(miss) = %+v, want empty", miss)
	}
}

func Test_Chunk_Insert_After_Freeze_Panics(t *testing.T) {
	c := NewChunk(revision.ShapeTable)
	c.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))

	if _, _, _, _, err := c.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected Insert on frozen chunk to panic")
		}
	}()

	c.Insert(revision.NewTableRevision(2, "name", codec.NewString("Bob"), 2, revision.ActionAdd))
}

func Test_Fold_Resolves_Add_Remove_Parity_Per_Key_Value_Pair(t *testing.T) {
	locator := codec.NewLink(1)
	key := codec.NewString("name")

	revs := []revision.Revision{
		{Locator: locator, Key: key, Val: codec.NewString("Ada"), Version: 1, Action: revision.ActionAdd},
		{Locator: locator, Key: key, Val: codec.NewString("Ada"), Version: 2, Action: revision.ActionRemove},
		{Locator: locator, Key: key, Val: codec.NewString("Grace"), Version: 3, Action: revision.ActionAdd},
	}

	got := Fold(revs, math.MaxUint64)
	if len(got) != 1 || !codec.ValuesEqual(got[0].Val, codec.NewString("Grace")) {
		t.Fatalf("Fold = %+v, want only Grace present", got)
	}

	asOf1 := Fold(revs, 1)
	if len(asOf1) != 1 || !codec.ValuesEqual(asOf1[0].Val, codec.NewString("Ada")) {
		t.Fatalf("Fold(asOf=1) = %+v, want only Ada present", asOf1)
	}
}

func Test_Segment_Freeze_Then_Load_Round_Trips_All_Three_Shapes(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	seg := NewMutableSegment("seg-000000000001")
	seg.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))
	seg.Insert(revision.NewIndexRevision("name", codec.NewString("Ada"), 1, 1, revision.ActionAdd))
	seg.Insert(revision.NewCorpusRevision("bio", "scientist", codec.NewPosition(1, 0), 1, revision.ActionAdd))

	if err := seg.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	for _, ext := range []string{segExt, mfstExt, fltrExt, sttsExt} {
		if _, err := os.Stat(filepath.Join(dir, "seg-000000000001"+ext)); err != nil {
			t.Fatalf("missing companion file %s: %v", ext, err)
		}
	}

	loaded, err := loadSegment(fs, dir, "seg-000000000001", mmapThresholdDefault)
	if err != nil {
		t.Fatalf("loadSegment: %v", err)
	}
	defer loaded.Close()

	tableRevs, err := loaded.Table.ScanLocator(codec.NewLink(1))
	if err != nil {
		t.Fatalf("ScanLocator(table): %v", err)
	}
	if len(tableRevs) != 1 {
		t.Fatalf("table ScanLocator = %+v, want 1 entry", tableRevs)
	}

	indexRevs, err := loaded.Index.ScanLocator(codec.NewString("name"))
	if err != nil {
		t.Fatalf("ScanLocator(index): %v", err)
	}
	if len(indexRevs) != 1 {
		t.Fatalf("index ScanLocator = %+v, want 1 entry", indexRevs)
	}

	corpusRevs, err := loaded.Corpus.ScanLocator(codec.NewString("bio"))
	if err != nil {
		t.Fatalf("ScanLocator(corpus): %v", err)
	}
	if len(corpusRevs) != 1 {
		t.Fatalf("corpus ScanLocator = %+v, want 1 entry", corpusRevs)
	}

	if loaded.MinVersion != 1 || loaded.MaxVersion != 1 {
		t.Fatalf("MinVersion/MaxVersion = %d/%d, want 1/1", loaded.MinVersion, loaded.MaxVersion)
	}
}

func Test_Segment_Freeze_Then_Load_Uses_File_Backed_Source_Above_Threshold(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	seg := NewMutableSegment("seg-000000000002")
	seg.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))

	if err := seg.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	loaded, err := loadSegment(fs, dir, "seg-000000000002", 0)
	if err != nil {
		t.Fatalf("loadSegment: %v", err)
	}
	defer loaded.Close()

	revs, err := loaded.Table.ScanLocator(codec.NewLink(1))
	if err != nil {
		t.Fatalf("ScanLocator: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("ScanLocator = %+v, want 1 entry", revs)
	}
}

func Test_LoadSegment_Missing_Companion_File_Returns_ErrMalformedSegment(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	seg := NewMutableSegment("seg-000000000003")
	seg.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))

	if err := seg.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "seg-000000000003"+fltrExt)); err != nil {
		t.Fatalf("Remove filter file: %v", err)
	}

	if _, err := loadSegment(fs, dir, "seg-000000000003", mmapThresholdDefault); err == nil {
		t.Fatal("expected error for missing companion file")
	}
}

func Test_Store_Open_Skips_Malformed_And_Orders_By_MinVersion(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	older := NewMutableSegment("seg-000000000001")
	older.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))
	if err := older.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze older: %v", err)
	}

	newer := NewMutableSegment("seg-000000000002")
	newer.Insert(revision.NewTableRevision(2, "name", codec.NewString("Bob"), 5, revision.ActionAdd))
	if err := newer.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze newer: %v", err)
	}

	broken := NewMutableSegment("seg-000000000003")
	broken.Insert(revision.NewTableRevision(3, "name", codec.NewString("Cid"), 9, revision.ActionAdd))
	if err := broken.Freeze(fs, dir); err != nil {
		t.Fatalf("Freeze broken: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "seg-000000000003"+sttsExt)); err != nil {
		t.Fatalf("Remove stats file: %v", err)
	}

	store, err := Open(fs, dir, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	segs := store.Segments()
	if len(segs) != 2 {
		t.Fatalf("Segments() len = %d, want 2 (malformed segment skipped)", len(segs))
	}
	if segs[0].ID != "seg-000000000001" || segs[1].ID != "seg-000000000002" {
		t.Fatalf("Segments() order = [%s, %s], want chronological by MinVersion", segs[0].ID, segs[1].ID)
	}
}

func Test_Store_Open_Drops_Duplicate_Checksum_Segments(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	makeIdentical := func(id string) {
		seg := NewMutableSegment(id)
		seg.Insert(revision.NewTableRevision(1, "name", codec.NewString("Ada"), 1, revision.ActionAdd))
		if err := seg.Freeze(fs, dir); err != nil {
			t.Fatalf("Freeze %s: %v", id, err)
		}
	}

	makeIdentical("seg-000000000001")
	makeIdentical("seg-000000000002")

	store, err := Open(fs, dir, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if got := store.Segments(); len(got) != 1 {
		t.Fatalf("Segments() len = %d, want 1 (duplicate checksum dropped)", len(got))
	}
}

func Test_Store_Accept_Builds_And_Registers_A_Fresh_Segment(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	store, err := Open(fs, dir, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	revs := []revision.Revision{
		revision.NewTableRevision(7, "name", codec.NewString("Ada"), 1, revision.ActionAdd),
		revision.NewIndexRevision("name", codec.NewString("Ada"), 7, 1, revision.ActionAdd),
	}

	if err := store.Accept(revs); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, err := store.ScanLocator(revision.ShapeTable, codec.NewLink(7))
	if err != nil {
		t.Fatalf("ScanLocator: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ScanLocator after Accept = %+v, want 1 entry", got)
	}

	if diff := cmp.Diff(revs[0].Val, got[0].Val, cmp.AllowUnexported(codec.Value{})); diff != "" {
		t.Fatalf("Val mismatch (-want +got):\n%s", diff)
	}

	segs := store.Segments()
	if len(segs) != 1 {
		t.Fatalf("Segments() len = %d, want 1", len(segs))
	}
}

func Test_Store_Accept_Empty_Batch_Is_A_NoOp(t *testing.T) {
	dir := t.TempDir()
	fs := fsx.NewReal()

	store, err := Open(fs, dir, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.Accept(nil); err != nil {
		t.Fatalf("Accept(nil): %v", err)
	}

	if got := store.Segments(); len(got) != 0 {
		t.Fatalf("Segments() len = %d, want 0", len(got))
	}
}
