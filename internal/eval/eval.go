// Package eval walks a parsed predicate tree and performs the set algebra
// (§4.9) that turns it into a record id set, fanning leaf expressions out
// to a narrow read interface the engine satisfies.
package eval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/strata-db/strata/internal/codec"
)

// ErrInvalidArgument is returned for a predicate tree that cannot be
// evaluated: an unsupported operator on the reserved $id key, a
// REGEX/NOT_REGEX expression over a non-character-sequence value (an
// open question in spec.md §9, resolved here to reject explicitly rather
// than silently coerce), or a malformed LINKS_TO/BETWEEN argument list.
// strata.Engine translates this into its own ErrInvalidArgument at the
// public API boundary (§7's error taxonomy).
var ErrInvalidArgument = errors.New("eval: invalid argument")

// idKey is the reserved key translated into direct inventory set
// operations rather than a store.Find call.
const idKey = "$id"

// Operator is the closed set of predicate operators spec.md §6 names at
// the evaluator boundary.
type Operator byte

const (
	Equals Operator = iota
	NotEquals
	GreaterThan
	GreaterThanOrEquals
	LessThan
	LessThanOrEquals
	Between
	Regex
	NotRegex
	Like
	NotLike
	LinksTo
)

func (o Operator) String() string {
	switch o {
	case Equals:
		return "EQUALS"
	case NotEquals:
		return "NOT_EQUALS"
	case GreaterThan:
		return "GREATER_THAN"
	case GreaterThanOrEquals:
		return "GREATER_THAN_OR_EQUALS"
	case LessThan:
		return "LESS_THAN"
	case LessThanOrEquals:
		return "LESS_THAN_OR_EQUALS"
	case Between:
		return "BETWEEN"
	case Regex:
		return "REGEX"
	case NotRegex:
		return "NOT_REGEX"
	case Like:
		return "LIKE"
	case NotLike:
		return "NOT_LIKE"
	case LinksTo:
		return "LINKS_TO"
	default:
		return fmt.Sprintf("Operator(%d)", byte(o))
	}
}

// ConjOp identifies how a Conjunction's two children combine.
type ConjOp byte

const (
	And ConjOp = iota
	Or
)

// Node is the closed sum type the (out-of-scope) query parser builds and
// Evaluator.Visit walks.
type Node interface {
	isNode()
}

// Conjunction combines two Nodes by AND or OR.
type Conjunction struct {
	Op          ConjOp
	Left, Right Node
}

func (*Conjunction) isNode() {}

// Expression is a leaf predicate: key operator value(s), optionally
// pinned to a historical timestamp.
type Expression struct {
	Key       string
	Operator  Operator
	Values    []codec.Value
	Timestamp *uint64 // nil means present-time
}

func (*Expression) isNode() {}

// RecordSet is an unordered set of record ids; Sorted produces the
// ordered view spec.md §4.9 requires of a final result.
type RecordSet map[int64]struct{}

// NewRecordSet returns a RecordSet containing ids.
func NewRecordSet(ids ...int64) RecordSet {
	s := make(RecordSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Intersect returns a new RecordSet holding ids present in both s and
// other.
func (s RecordSet) Intersect(other RecordSet) RecordSet {
	small, big := s, other
	if len(other) < len(s) {
		small, big = other, s
	}

	out := make(RecordSet, len(small))
	for id := range small {
		if _, ok := big[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Union returns a new RecordSet holding every id present in s or other.
func (s RecordSet) Union(other RecordSet) RecordSet {
	out := make(RecordSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the set's ids in ascending order.
func (s RecordSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sortInt64s(out)
	return out
}

func sortInt64s(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Store is the narrow read surface Evaluator needs from strata.Engine,
// kept separate (rather than importing package strata directly) so
// internal/eval has no import cycle back to the public facade.
type Store interface {
	// Find resolves every record id whose key field satisfies op against
	// values, as of asOf (nil meaning present-time).
	Find(ctx context.Context, key string, op Operator, values []codec.Value, asOf *uint64) (RecordSet, error)

	// Search resolves the Corpus phrase query for key.
	Search(ctx context.Context, key, query string, asOf *uint64) (RecordSet, error)

	// InventoryIDs returns every record id ever written, used to resolve
	// $id predicates directly rather than through a Find call.
	InventoryIDs(ctx context.Context) (RecordSet, error)
}

// Evaluator walks predicate trees against a Store. It is stateless and
// safe for concurrent use — spec.md §9 calls out the evaluator as a
// process-wide singleton, which a stateless Go value naturally satisfies
// without an explicit lazy-init guard.
type Evaluator struct{}

// New returns a stateless Evaluator.
func New() *Evaluator { return &Evaluator{} }

// Visit evaluates node against store and returns the resulting record
// id set.
func (e *Evaluator) Visit(ctx context.Context, store Store, node Node) (RecordSet, error) {
	switch n := node.(type) {
	case *Conjunction:
		return e.visitConjunction(ctx, store, n)
	case *Expression:
		return e.visitExpression(ctx, store, n)
	default:
		return nil, fmt.Errorf("eval: %w: unknown node type %T", ErrInvalidArgument, node)
	}
}

// visitConjunction evaluates the cheaper-looking child first (a leaf
// Expression ahead of a nested Conjunction subtree) so AND can
// short-circuit on an empty intermediate result without evaluating the
// more expensive side at all, per spec.md §4.9.
func (e *Evaluator) visitConjunction(ctx context.Context, store Store, c *Conjunction) (RecordSet, error) {
	first, second := c.Left, c.Right

	if _, firstIsLeaf := first.(*Expression); !firstIsLeaf {
		if _, secondIsLeaf := second.(*Expression); secondIsLeaf {
			first, second = second, first
		}
	}

	firstSet, err := e.Visit(ctx, store, first)
	if err != nil {
		return nil, err
	}

	if c.Op == And && len(firstSet) == 0 {
		return RecordSet{}, nil
	}

	secondSet, err := e.Visit(ctx, store, second)
	if err != nil {
		return nil, err
	}

	switch c.Op {
	case And:
		return firstSet.Intersect(secondSet), nil
	case Or:
		return firstSet.Union(secondSet), nil
	default:
		return nil, fmt.Errorf("eval: %w: unknown conjunction op %d", ErrInvalidArgument, c.Op)
	}
}

func (e *Evaluator) visitExpression(ctx context.Context, store Store, expr *Expression) (RecordSet, error) {
	op, values, err := translateOperator(expr.Operator, expr.Values)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(expr.Key, idKey) {
		return e.visitIDExpression(ctx, store, op, values)
	}

	return store.Find(ctx, expr.Key, op, values, expr.Timestamp)
}

// translateOperator applies spec.md §6's boundary normalization: LIKE/
// NOT_LIKE become REGEX/NOT_REGEX with `%` rewritten to `.*` (unless
// backslash-escaped), and LINKS_TO becomes EQUALS on a LINK-typed value.
func translateOperator(op Operator, values []codec.Value) (Operator, []codec.Value, error) {
	switch op {
	case Like, NotLike:
		translated := make([]codec.Value, len(values))
		for i, v := range values {
			if !v.IsCharacterSequence() {
				return 0, nil, fmt.Errorf("eval: %w: LIKE requires a character-sequence value, got %s", ErrInvalidArgument, v.Kind)
			}
			translated[i] = codec.NewString(likeToRegex(v.String()))
		}
		if op == Like {
			return Regex, translated, nil
		}
		return NotRegex, translated, nil

	case Regex, NotRegex:
		for _, v := range values {
			if !v.IsCharacterSequence() {
				return 0, nil, fmt.Errorf("eval: %w: %s over non-character-sequence value %s", ErrInvalidArgument, op, v.Kind)
			}
		}
		return op, values, nil

	case LinksTo:
		if len(values) != 1 || values[0].Kind != codec.KindLink {
			return 0, nil, fmt.Errorf("eval: %w: LINKS_TO requires exactly one LINK value", ErrInvalidArgument)
		}
		return Equals, values, nil

	default:
		return op, values, nil
	}
}

// likeToRegex rewrites a LIKE pattern's `%` wildcard into `.*`, escaping
// every other regex metacharacter literally; `\%` yields a literal `%`.
func likeToRegex(pattern string) string {
	var sb strings.Builder

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '\\' && i+1 < len(runes) && runes[i+1] == '%':
			sb.WriteString(regexp.QuoteMeta("%"))
			i++
		case runes[i] == '%':
			sb.WriteString(".*")
		default:
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}

	return sb.String()
}

// visitIDExpression resolves a predicate on the reserved $id key
// directly against the inventory rather than through store.Find, per
// spec.md §4.9's "handle reserved $id key by translating to direct set
// operations over the inventory".
func (e *Evaluator) visitIDExpression(ctx context.Context, store Store, op Operator, values []codec.Value) (RecordSet, error) {
	all, err := store.InventoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	switch op {
	case Equals:
		id, err := idOperand(values)
		if err != nil {
			return nil, err
		}
		if _, ok := all[id]; ok {
			return RecordSet{id: {}}, nil
		}
		return RecordSet{}, nil

	case NotEquals:
		id, err := idOperand(values)
		if err != nil {
			return nil, err
		}
		out := make(RecordSet, len(all))
		for r := range all {
			if r != id {
				out[r] = struct{}{}
			}
		}
		return out, nil

	case GreaterThan, GreaterThanOrEquals, LessThan, LessThanOrEquals, Between:
		return filterIDRange(all, op, values)

	default:
		return nil, fmt.Errorf("eval: %w: operator %s not supported on %s", ErrInvalidArgument, op, idKey)
	}
}

func idOperand(values []codec.Value) (int64, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("eval: %w: %s expects exactly one value", ErrInvalidArgument, idKey)
	}

	v := values[0]
	switch v.Kind {
	case codec.KindLink:
		return v.Link(), nil
	case codec.KindLong:
		return v.Long(), nil
	case codec.KindInt:
		return int64(v.Int()), nil
	default:
		return 0, fmt.Errorf("eval: %w: %s requires an integral value, got %s", ErrInvalidArgument, idKey, v.Kind)
	}
}

func filterIDRange(all RecordSet, op Operator, values []codec.Value) (RecordSet, error) {
	switch op {
	case Between:
		if len(values) != 2 {
			return nil, fmt.Errorf("eval: %w: BETWEEN expects exactly two values", ErrInvalidArgument)
		}
		lo, err := idOperand(values[:1])
		if err != nil {
			return nil, err
		}
		hi, err := idOperand(values[1:])
		if err != nil {
			return nil, err
		}

		out := make(RecordSet)
		for r := range all {
			if r >= lo && r <= hi {
				out[r] = struct{}{}
			}
		}
		return out, nil

	default:
		bound, err := idOperand(values)
		if err != nil {
			return nil, err
		}

		out := make(RecordSet)
		for r := range all {
			if idSatisfies(r, op, bound) {
				out[r] = struct{}{}
			}
		}
		return out, nil
	}
}

func idSatisfies(r int64, op Operator, bound int64) bool {
	switch op {
	case GreaterThan:
		return r > bound
	case GreaterThanOrEquals:
		return r >= bound
	case LessThan:
		return r < bound
	case LessThanOrEquals:
		return r <= bound
	default:
		return false
	}
}
