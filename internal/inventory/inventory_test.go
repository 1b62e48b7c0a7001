package inventory

import (
	"path/filepath"
	"testing"

	"github.com/strata-db/strata/internal/fsx"
)

func Test_Inventory_Add_Then_Contains(t *testing.T) {
	inv := New()

	if inv.Contains(42) {
		t.Fatal("fresh inventory should not contain 42")
	}

	if !inv.Add(42) {
		t.Fatal("first Add(42) should report new member")
	}

	if !inv.Contains(42) {
		t.Fatal("inventory should contain 42 after Add")
	}

	if inv.Add(42) {
		t.Fatal("second Add(42) should report already-present")
	}
}

func Test_Inventory_Handles_Negative_Record_Ids(t *testing.T) {
	inv := New()

	inv.Add(-100)

	if !inv.Contains(-100) {
		t.Fatal("inventory should contain negative record id -100")
	}

	if inv.Contains(-101) {
		t.Fatal("inventory should not contain -101")
	}
}

func Test_Inventory_Each_Visits_All_Records_In_Order(t *testing.T) {
	inv := New()

	ids := []int64{5, -3, 1 << 21, 1 << 40, 0}
	for _, id := range ids {
		inv.Add(id)
	}

	var seen []int64
	inv.Each(func(record int64) { seen = append(seen, record) })

	if len(seen) != len(ids) {
		t.Fatalf("Each visited %d records, want %d", len(seen), len(ids))
	}

	for i := 1; i < len(seen); i++ {
		if seen[i-1] > seen[i] {
			t.Fatalf("Each did not visit in ascending order: %v", seen)
		}
	}
}

func Test_Store_Load_Missing_File_Returns_Empty_Inventory(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(fsx.NewReal(), filepath.Join(dir, "inventory"))

	inv, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if inv.Count() != 0 {
		t.Fatalf("Count()=%d, want 0", inv.Count())
	}
}

func Test_Store_Append_Then_Load_Replays_Records(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory")
	store := NewStore(fsx.NewReal(), path)

	for _, id := range []int64{1, 2, 3, 1 << 30} {
		if err := store.Append(id); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded := NewStore(fsx.NewReal(), path)

	inv, err := reloaded.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, id := range []int64{1, 2, 3, 1 << 30} {
		if !inv.Contains(id) {
			t.Fatalf("reloaded inventory missing record %d", id)
		}
	}
}

func Test_Filter_MaybeContains_Never_False_Negative(t *testing.T) {
	f, err := NewFilter(100)
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		f.Add(k)
	}

	for _, k := range keys {
		if !f.MaybeContains(k) {
			t.Fatalf("filter reported false negative for %q", k)
		}
	}
}
