package buffer

import (
	"errors"
	"testing"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/inventory"
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

func Test_Buffer_Append_Assigns_Monotonic_Versions(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rev := revision.NewTableRevision(1, "name", codec.NewString("Ada"), 0, revision.ActionAdd)

	v1, err := b.Append(rev, 1)
	if err != nil {
		t.Fatalf("first Append: %v", err)
	}

	v2, err := b.Append(rev, 1)
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}

	if v2 <= v1 {
		t.Fatalf("v2=%d should be > v1=%d", v2, v1)
	}
}

func Test_Buffer_Append_Updates_Inventory(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rev := revision.NewTableRevision(42, "name", codec.NewString("Ada"), 0, revision.ActionAdd)

	if _, err := b.Append(rev, 42); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if !inv.Contains(42) {
		t.Fatal("inventory should contain record 42 after Append")
	}
}

func Test_Buffer_Drain_Returns_False_When_Only_Tail_Page_Exists(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rev := revision.NewTableRevision(1, "name", codec.NewString("x"), 0, revision.ActionAdd)
	if _, err := b.Append(rev, 1); err != nil {
		t.Fatalf("Append: %v", err)
	}

	drained, err := b.Drain(&collectSink{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if drained {
		t.Fatal("Drain should report false when only the tail page exists")
	}
}

func Test_Buffer_Rotate_Then_Drain_Transports_Oldest_Page(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{PageSize: 256}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Each appended record is well over 20 bytes; with a 256-byte page
	// this forces at least one rotation.
	bigValue := codec.NewString(string(make([]byte, 64)))

	for i := 0; i < 10; i++ {
		rev := revision.NewTableRevision(int64(i), "name", bigValue, 0, revision.ActionAdd)
		if _, err := b.Append(rev, int64(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if b.PageCount() < 2 {
		t.Fatalf("PageCount()=%d, want >= 2 after forced rotation", b.PageCount())
	}

	sink := &collectSink{}

	drained, err := b.Drain(sink)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if !drained {
		t.Fatal("Drain should report true when an older page exists")
	}

	if len(sink.revisions) == 0 {
		t.Fatal("sink should have received the drained page's revisions")
	}
}

func Test_Buffer_Drain_Removes_Page_File_On_Success(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{PageSize: 128}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bigValue := codec.NewString(string(make([]byte, 64)))
	for i := 0; i < 6; i++ {
		rev := revision.NewTableRevision(int64(i), "name", bigValue, 0, revision.ActionAdd)
		if _, err := b.Append(rev, int64(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	before := b.PageCount()

	if _, err := b.Drain(&collectSink{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if got, want := b.PageCount(), before-1; got != want {
		t.Fatalf("PageCount()=%d, want %d", got, want)
	}
}

func Test_Buffer_Append_Returns_ErrCapacity_When_Pages_Exhausted(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()

	b, err := Open(fsx.NewReal(), dir, inv, Options{PageSize: 128, MaxUndrainedPages: 1}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bigValue := codec.NewString(string(make([]byte, 64)))
	rev := revision.NewTableRevision(1, "name", bigValue, 0, revision.ActionAdd)

	if _, err := b.Append(rev, 1); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	_, err = b.Append(rev, 1)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v, want=%v", err, ErrCapacity)
	}
}

func Test_Buffer_Open_Recovers_Pending_Pages_And_Max_Version(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New()
	rfs := fsx.NewReal()

	b, err := Open(rfs, dir, inv, Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rev := revision.NewTableRevision(7, "name", codec.NewString("x"), 0, revision.ActionAdd)
	version, err := b.Append(rev, 7)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(rfs, dir, inventory.New(), Options{}, testLogger(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if next := reopened.NextVersion(); next <= version {
		t.Fatalf("NextVersion()=%d after reopen, should exceed prior version %d", next, version)
	}
}

type collectSink struct {
	revisions []revision.Revision
}

func (s *collectSink) Accept(revisions []revision.Revision) error {
	s.revisions = append(s.revisions, revisions...)
	return nil
}

