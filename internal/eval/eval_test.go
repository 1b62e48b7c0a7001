package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/strata-db/strata/internal/codec"
)

// fakeStore is a narrow in-memory Store used to exercise the Evaluator
// without any engine/buffer/segment wiring.
type fakeStore struct {
	byField map[string]map[int64]codec.Value // field -> record -> value
	search  map[string]RecordSet             // "field:query" -> result
	ids     RecordSet
}

func newFakeStore() *fakeStore {
	return &fakeStore{byField: map[string]map[int64]codec.Value{}, search: map[string]RecordSet{}, ids: RecordSet{}}
}

func (s *fakeStore) set(field string, record int64, val codec.Value) {
	if s.byField[field] == nil {
		s.byField[field] = map[int64]codec.Value{}
	}
	s.byField[field][record] = val
	s.ids[record] = struct{}{}
}

func (s *fakeStore) Find(ctx context.Context, key string, op Operator, values []codec.Value, asOf *uint64) (RecordSet, error) {
	out := RecordSet{}
	for record, v := range s.byField[key] {
		if matches(v, op, values) {
			out[record] = struct{}{}
		}
	}
	return out, nil
}

func (s *fakeStore) Search(ctx context.Context, key, query string, asOf *uint64) (RecordSet, error) {
	return s.search[key+":"+query], nil
}

func (s *fakeStore) InventoryIDs(ctx context.Context) (RecordSet, error) {
	return s.ids, nil
}

func matches(v codec.Value, op Operator, values []codec.Value) bool {
	switch op {
	case Equals:
		return codec.Compare(v, values[0]) == codec.Equal
	case NotEquals:
		return codec.Compare(v, values[0]) != codec.Equal
	case GreaterThan:
		return codec.Compare(v, values[0]) == codec.Greater
	case GreaterThanOrEquals:
		c := codec.Compare(v, values[0])
		return c == codec.Greater || c == codec.Equal
	case LessThan:
		return codec.Compare(v, values[0]) == codec.Less
	case LessThanOrEquals:
		c := codec.Compare(v, values[0])
		return c == codec.Less || c == codec.Equal
	case Between:
		lo, hi := codec.Compare(v, values[0]), codec.Compare(v, values[1])
		return lo != codec.Less && hi != codec.Greater
	default:
		return false
	}
}

func Test_Evaluator_Visit_Expression_Equals_Resolves_Via_Store_Find(t *testing.T) {
	store := newFakeStore()
	store.set("age", 1, codec.NewInt(30))
	store.set("age", 2, codec.NewInt(30))
	store.set("age", 3, codec.NewInt(40))

	ev := New()
	got, err := ev.Visit(context.Background(), store, &Expression{Key: "age", Operator: Equals, Values: []codec.Value{codec.NewInt(30)}})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	want := NewRecordSet(1, 2)
	if len(got) != len(want) || !got.Intersect(want).equalTo(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func (s RecordSet) equalTo(other RecordSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

func Test_Evaluator_Visit_Conjunction_And_Intersects(t *testing.T) {
	store := newFakeStore()
	store.set("age", 1, codec.NewInt(30))
	store.set("age", 2, codec.NewInt(30))
	store.set("age", 3, codec.NewInt(40))
	store.set("active", 1, codec.NewBool(true))
	store.set("active", 2, codec.NewBool(false))
	store.set("active", 3, codec.NewBool(true))

	node := &Conjunction{
		Op:    And,
		Left:  &Expression{Key: "age", Operator: Equals, Values: []codec.Value{codec.NewInt(30)}},
		Right: &Expression{Key: "active", Operator: Equals, Values: []codec.Value{codec.NewBool(true)}},
	}

	ev := New()
	got, err := ev.Visit(context.Background(), store, node)
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	if !got.equalTo(NewRecordSet(1)) {
		t.Fatalf("got %v, want {1}", got)
	}
}

func Test_Evaluator_Visit_Conjunction_Or_Unions(t *testing.T) {
	store := newFakeStore()
	store.set("age", 1, codec.NewInt(30))
	store.set("age", 2, codec.NewInt(40))
	store.set("age", 3, codec.NewInt(50))

	node := &Conjunction{
		Op:    Or,
		Left:  &Expression{Key: "age", Operator: Equals, Values: []codec.Value{codec.NewInt(30)}},
		Right: &Expression{Key: "age", Operator: Equals, Values: []codec.Value{codec.NewInt(50)}},
	}

	ev := New()
	got, err := ev.Visit(context.Background(), store, node)
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	if !got.equalTo(NewRecordSet(1, 3)) {
		t.Fatalf("got %v, want {1,3}", got)
	}
}

func Test_Evaluator_Visit_Like_Translates_Percent_To_Regex(t *testing.T) {
	got := likeToRegex("qu%k")
	want := "qu.*k"
	if got != want {
		t.Fatalf("likeToRegex(%q) = %q, want %q", "qu%k", got, want)
	}
}

func Test_Evaluator_Visit_Like_Escaped_Percent_Is_Literal(t *testing.T) {
	got := likeToRegex(`100\%`)
	want := `100%`
	if got != want {
		t.Fatalf("likeToRegex = %q, want %q", got, want)
	}
}

func Test_Evaluator_Visit_Regex_Over_Non_Character_Sequence_Is_Invalid_Argument(t *testing.T) {
	ev := New()
	store := newFakeStore()

	_, err := ev.Visit(context.Background(), store, &Expression{
		Key: "age", Operator: Regex, Values: []codec.Value{codec.NewInt(1)},
	})

	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func Test_Evaluator_Visit_LinksTo_Translates_To_Equals_On_Link(t *testing.T) {
	store := newFakeStore()
	store.set("manager", 1, codec.NewLink(99))
	store.set("manager", 2, codec.NewLink(100))

	ev := New()
	got, err := ev.Visit(context.Background(), store, &Expression{
		Key: "manager", Operator: LinksTo, Values: []codec.Value{codec.NewLink(99)},
	})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	if !got.equalTo(NewRecordSet(1)) {
		t.Fatalf("got %v, want {1}", got)
	}
}

func Test_Evaluator_Visit_Id_Key_Equals_Uses_Inventory_Directly(t *testing.T) {
	store := newFakeStore()
	store.ids = NewRecordSet(1, 2, 3)

	ev := New()
	got, err := ev.Visit(context.Background(), store, &Expression{
		Key: "$id", Operator: Equals, Values: []codec.Value{codec.NewLink(2)},
	})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	if !got.equalTo(NewRecordSet(2)) {
		t.Fatalf("got %v, want {2}", got)
	}
}

func Test_Evaluator_Visit_Id_Key_Between_Filters_Inventory_Range(t *testing.T) {
	store := newFakeStore()
	store.ids = NewRecordSet(1, 5, 10, 15)

	ev := New()
	got, err := ev.Visit(context.Background(), store, &Expression{
		Key: "$id", Operator: Between, Values: []codec.Value{codec.NewLink(5), codec.NewLink(10)},
	})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}

	if !got.equalTo(NewRecordSet(5, 10)) {
		t.Fatalf("got %v, want {5,10}", got)
	}
}

func Test_RecordSet_Sorted_Is_Ascending(t *testing.T) {
	s := NewRecordSet(5, 1, 3)
	got := s.Sorted()
	want := []int64{1, 3, 5}

	if len(got) != len(want) {
		t.Fatalf("Sorted() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sorted() = %v, want %v", got, want)
		}
	}
}
