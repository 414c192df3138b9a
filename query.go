package parquery

import (
	"cmp"
	"context"
	"iter"
)

// Query is a lazily composed parallel query over an in-memory sequence.
// Queries are immutable values: every operator returns a new Query wrapping
// the previous one, and nothing executes until a terminal operation runs.
// Order is not observable unless AsOrdered (or a sort) asks for it.
type Query[T any] struct {
	op       operator[T]
	settings Settings
}

// indexibleSource exposes any O(1)-addressable sequence.
type indexibleSource[T any] struct {
	length int
	at     func(int) T
	isOrd  bool
}

func (s *indexibleSource[T]) open(*executor, bool) (*queryResults[T], error) {
	return indexibleResults(s.length, s.at), nil
}

func (s *indexibleSource[T]) sequential(ctx context.Context) iter.Seq[T] {
	return pollSeq(ctx, func(yield func(T) bool) {
		for i := range s.length {
			if !yield(s.at(i)) {
				return
			}
		}
	})
}

func (s *indexibleSource[T]) indexState() indexState  { return stateIndexible }
func (s *indexibleSource[T]) limitsParallelism() bool { return false }
func (s *indexibleSource[T]) ordered() bool           { return s.isOrd }

// --- Sources ---

// FromSlice creates a Query over a slice. The slice must not be mutated
// while the query executes.
func FromSlice[T any](values []T) Query[T] {
	return Query[T]{op: &sliceSource[T]{values: values}}
}

// Of creates a Query from variadic values.
func Of[T any](values ...T) Query[T] {
	return FromSlice(values)
}

// FromSeq creates a Query over an arbitrary sequence. Workers share the
// iterator under a lock and pull growing chunks from it.
func FromSeq[T any](seq iter.Seq[T]) Query[T] {
	if seq == nil {
		return Query[T]{op: &seqSource[T]{seq: func(func(T) bool) {}}}.withError(ErrNilArgument)
	}
	return Query[T]{op: &seqSource[T]{seq: seq}}
}

// Range creates a Query over the integers [start, end).
func Range(start, end int) Query[int] {
	length := max(end-start, 0)
	return Query[int]{op: &indexibleSource[int]{
		length: length,
		at:     func(i int) int { return start + i },
	}}
}

// FromIndexible creates a Query over any random-access collection given its
// length and element accessor.
func FromIndexible[T any](length int, at func(int) T) Query[T] {
	if at == nil || length < 0 {
		return Query[T]{op: &indexibleSource[T]{at: func(int) (z T) { return }}}.withError(ErrNilArgument)
	}
	return Query[T]{op: &indexibleSource[T]{length: length, at: at}}
}

// FromPartitions creates a Query from caller-partitioned sub-sequences. The
// partition count must equal the configured degree of parallelism. No order
// is assumed across or within partitions.
func FromPartitions[T any](parts ...iter.Seq[T]) Query[T] {
	q := Query[T]{op: &partitionsSource[T]{parts: parts, state: stateShuffled}}
	q = q.WithOptions(WithParallelism(max(len(parts), 1)))
	for _, p := range parts {
		if p == nil {
			return q.withError(ErrPartitionCount)
		}
	}
	return q
}

// FromKeyedPartitions creates a Query from partitions whose elements carry
// explicit order keys. increasing declares that keys grow strictly within
// each partition, which lets ordered merges stream instead of sorting.
func FromKeyedPartitions[T any](increasing bool, parts ...iter.Seq2[int64, T]) Query[T] {
	state := stateShuffled
	if increasing {
		state = stateIncreasing
	}
	q := Query[T]{op: &partitionsSource[T]{keyed: parts, state: state}}
	q = q.WithOptions(WithParallelism(max(len(parts), 1)))
	for _, p := range parts {
		if p == nil {
			return q.withError(ErrPartitionCount)
		}
	}
	return q
}

// withError latches a construction error, surfaced when the query executes.
func (q Query[T]) withError(err error) Query[T] {
	q.settings.fail(err)
	return q
}

// wrap swaps the operator, keeping settings.
func (q Query[T]) wrap(op operator[T]) Query[T] {
	q.op = op
	return q
}

// --- Configuration ---

// WithOptions applies execution options. Setting the same option twice
// anywhere along the chain fails the query with ErrDuplicateSetting.
func (q Query[T]) WithOptions(opts ...Option) Query[T] {
	q.settings = q.settings.merged(opts)
	return q
}

// AsOrdered makes the source order observable: ordered merges will
// reconstruct it for the consumer.
func (q Query[T]) AsOrdered() Query[T] {
	return q.wrap(&orderingOp[T]{child: q.op, on: true})
}

// AsUnordered releases the ordering constraint from this point on.
func (q Query[T]) AsUnordered() Query[T] {
	return q.wrap(&orderingOp[T]{child: q.op, on: false})
}

// --- Intermediate operators ---

// Filter keeps the elements matching the predicate.
func (q Query[T]) Filter(pred func(T) bool) Query[T] {
	if pred == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newFilterOp(q.op, pred))
}

// Map transforms each element. For type-changing transformations use MapTo.
func (q Query[T]) Map(fn func(T) T) Query[T] {
	if fn == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(&mapOp[T, T]{child: q.op, fn: fn})
}

// MapIndexed transforms each element with its original position.
func (q Query[T]) MapIndexed(fn func(int, T) T) Query[T] {
	if fn == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newMapIndexedOp(q.op, fn))
}

// FilterIndexed keeps elements whose position and value match the predicate.
func (q Query[T]) FilterIndexed(pred func(int, T) bool) Query[T] {
	if pred == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newFilterIndexedOp(q.op, pred))
}

// Peek runs the action on each element as it passes through.
func (q Query[T]) Peek(action func(T)) Query[T] {
	if action == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newPeekOp(q.op, action))
}

// Limit keeps at most the first n elements. Limit(0) is an empty query.
func (q Query[T]) Limit(n int) Query[T] {
	if n < 0 {
		return q.withError(ErrNegativeCount)
	}
	if n == 0 {
		return q.wrap(&sliceSource[T]{isOrd: q.op.ordered()})
	}
	return q.wrap(newTakeSkipOp(q.op, n, true))
}

// Skip drops the first n elements. Skip(0) is a no-op.
func (q Query[T]) Skip(n int) Query[T] {
	if n < 0 {
		return q.withError(ErrNegativeCount)
	}
	if n == 0 {
		return q
	}
	return q.wrap(newTakeSkipOp(q.op, n, false))
}

// TakeWhile keeps the prefix for which the predicate holds.
func (q Query[T]) TakeWhile(pred func(T) bool) Query[T] {
	if pred == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newWhileOp(q.op, pred, true))
}

// DropWhile drops the prefix for which the predicate holds.
func (q Query[T]) DropWhile(pred func(T) bool) Query[T] {
	if pred == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newWhileOp(q.op, pred, false))
}

// Reverse yields the elements backwards.
func (q Query[T]) Reverse() Query[T] {
	return q.wrap(newReverseOp(q.op))
}

// DefaultIfEmpty substitutes def when the query produces no elements.
func (q Query[T]) DefaultIfEmpty(def T) Query[T] {
	return q.wrap(newDefaultIfEmptyOp(q.op, def))
}

// Sorted orders the elements by the comparison function. The sort is stable
// with respect to the encounter order and implies an ordered query.
func (q Query[T]) Sorted(compare func(a, b T) int) Query[T] {
	if compare == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newSortOp(q.op, compare))
}

// SortedDesc orders the elements by the reversed comparison function.
func (q Query[T]) SortedDesc(compare func(a, b T) int) Query[T] {
	if compare == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newSortOp(q.op, func(a, b T) int { return -compare(a, b) }))
}

// --- Type-changing operators (free functions) ---

// MapTo transforms Query[T] into Query[U].
func MapTo[T, U any](q Query[T], fn func(T) U) Query[U] {
	out := Query[U]{settings: q.settings}
	if fn == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = &mapOp[T, U]{child: q.op, fn: fn}
	return out
}

// FlatMapTo expands every element into a sub-sequence and flattens the
// result.
func FlatMapTo[T, U any](q Query[T], fn func(T) iter.Seq[U]) Query[U] {
	out := Query[U]{settings: q.settings}
	if fn == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newFlatMapOp(q.op, fn)
	return out
}

// FlatMapIndexedTo is FlatMapTo with the element's original position
// available to the selector.
func FlatMapIndexedTo[T, U any](q Query[T], fn func(int, T) iter.Seq[U]) Query[U] {
	out := Query[U]{settings: q.settings}
	if fn == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newFlatMapIndexedOp(q.op, fn)
	return out
}

// Distinct removes duplicate elements.
func Distinct[T comparable](q Query[T]) Query[T] {
	return q.wrap(newDistinctOp(q.op, func(v T) T { return v }))
}

// DistinctBy removes elements producing a duplicate key.
func DistinctBy[T any, K comparable](q Query[T], keyFn func(T) K) Query[T] {
	if keyFn == nil {
		return q.withError(ErrNilArgument)
	}
	return q.wrap(newDistinctOp(q.op, keyFn))
}

// --- Binary operators ---

// Concat appends right after left.
func Concat[T any](left, right Query[T]) Query[T] {
	return Query[T]{
		op:       newConcatOp(left.op, right.op),
		settings: left.settings.union(right.settings),
	}
}

// Union yields the distinct elements present in either query.
func Union[T comparable](left, right Query[T]) Query[T] {
	return Query[T]{
		op:       newSetOp(left.op, right.op, setOpUnion),
		settings: left.settings.union(right.settings),
	}
}

// Intersect yields the distinct elements present in both queries.
func Intersect[T comparable](left, right Query[T]) Query[T] {
	return Query[T]{
		op:       newSetOp(left.op, right.op, setOpIntersect),
		settings: left.settings.union(right.settings),
	}
}

// Except yields the distinct elements of left absent from right.
func Except[T comparable](left, right Query[T]) Query[T] {
	return Query[T]{
		op:       newSetOp(left.op, right.op, setOpExcept),
		settings: left.settings.union(right.settings),
	}
}

// ZipWith pairs elements of both queries by position through the selector,
// ending with the shorter side.
func ZipWith[L, R, O any](left Query[L], right Query[R], fn func(L, R) O) Query[O] {
	out := Query[O]{settings: left.settings.union(right.settings)}
	if fn == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newZipOp(left.op, right.op, fn)
	return out
}

// Zip pairs elements of both queries by position.
func Zip[L, R any](left Query[L], right Query[R]) Query[Pair[L, R]] {
	return ZipWith(left, right, NewPair[L, R])
}

// Join performs an inner hash join: one output row per key match.
func Join[L, R any, K comparable, O any](
	left Query[L], right Query[R],
	leftKey func(L) K, rightKey func(R) K,
	result func(L, R) O,
) Query[O] {
	out := Query[O]{settings: left.settings.union(right.settings)}
	if leftKey == nil || rightKey == nil || result == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newJoinOp(left.op, right.op, leftKey, rightKey, result)
	return out
}

// GroupJoin joins every left element with the slice of all matching right
// elements, empty when nothing matches.
func GroupJoin[L, R any, K comparable, O any](
	left Query[L], right Query[R],
	leftKey func(L) K, rightKey func(R) K,
	result func(L, []R) O,
) Query[O] {
	out := Query[O]{settings: left.settings.union(right.settings)}
	if leftKey == nil || rightKey == nil || result == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newGroupJoinOp(left.op, right.op, leftKey, rightKey, result)
	return out
}

// GroupBy buckets elements by key.
func GroupBy[T any, K comparable](q Query[T], keyFn func(T) K) Query[Grouping[K, T]] {
	return GroupBySelect(q, keyFn, func(v T) T { return v })
}

// GroupBySelect buckets elements by key, applying the value selector while
// inserting.
func GroupBySelect[T any, K comparable, V any](q Query[T], keyFn func(T) K, valFn func(T) V) Query[Grouping[K, V]] {
	out := Query[Grouping[K, V]]{settings: q.settings}
	if keyFn == nil || valFn == nil {
		return out.withError(ErrNilArgument)
	}
	out.op = newGroupByOp(q.op, keyFn, valFn)
	return out
}

// --- Keyed sorting with ThenBy composition ---

// SortedQuery is a Query whose sort comparator can still be refined with
// ThenBy. It behaves as a Query everywhere else.
type SortedQuery[T any] struct {
	Query[T]
	source  Query[T]
	compare func(a, b T) int
}

func makeSorted[T any](source Query[T], compare func(a, b T) int) SortedQuery[T] {
	return SortedQuery[T]{
		Query:   source.wrap(newSortOp(source.op, compare)),
		source:  source,
		compare: compare,
	}
}

// SortedBy orders the elements by an ascending key.
func SortedBy[T any, K cmp.Ordered](q Query[T], keyFn func(T) K) SortedQuery[T] {
	if keyFn == nil {
		return SortedQuery[T]{Query: q.withError(ErrNilArgument)}
	}
	return makeSorted(q, func(a, b T) int { return cmp.Compare(keyFn(a), keyFn(b)) })
}

// SortedByDesc orders the elements by a descending key.
func SortedByDesc[T any, K cmp.Ordered](q Query[T], keyFn func(T) K) SortedQuery[T] {
	if keyFn == nil {
		return SortedQuery[T]{Query: q.withError(ErrNilArgument)}
	}
	return makeSorted(q, func(a, b T) int { return cmp.Compare(keyFn(b), keyFn(a)) })
}

// ThenBy refines a keyed sort with an ascending secondary key.
// Free function because Go methods cannot introduce type parameters.
func ThenBy[T any, K cmp.Ordered](sq SortedQuery[T], keyFn func(T) K) SortedQuery[T] {
	if keyFn == nil {
		return SortedQuery[T]{Query: sq.Query.withError(ErrNilArgument)}
	}
	primary := sq.compare
	return makeSorted(sq.source, func(a, b T) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		return cmp.Compare(keyFn(a), keyFn(b))
	})
}

// ThenByDesc refines a keyed sort with a descending secondary key.
func ThenByDesc[T any, K cmp.Ordered](sq SortedQuery[T], keyFn func(T) K) SortedQuery[T] {
	if keyFn == nil {
		return SortedQuery[T]{Query: sq.Query.withError(ErrNilArgument)}
	}
	primary := sq.compare
	return makeSorted(sq.source, func(a, b T) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		return cmp.Compare(keyFn(b), keyFn(a))
	})
}

// --- Search terminals ---

// First returns the first element, or None for an empty query.
func (q Query[T]) First() (Optional[T], error) {
	return searchFirst(q, func(T) bool { return true })
}

// FirstMatch returns the first element matching the predicate.
func (q Query[T]) FirstMatch(pred func(T) bool) (Optional[T], error) {
	if pred == nil {
		return None[T](), ErrNilArgument
	}
	return searchFirst(q, pred)
}

// Last returns the last element, or None for an empty query.
func (q Query[T]) Last() (Optional[T], error) {
	return searchLast(q, func(T) bool { return true })
}

// LastMatch returns the last element matching the predicate.
func (q Query[T]) LastMatch(pred func(T) bool) (Optional[T], error) {
	if pred == nil {
		return None[T](), ErrNilArgument
	}
	return searchLast(q, pred)
}

// Single returns the only element. It fails with ErrEmptySequence when the
// query is empty and ErrMoreThanOneElement when it is not singular.
func (q Query[T]) Single() (T, error) {
	return searchSingle(q, func(T) bool { return true })
}

// SingleMatch returns the only element matching the predicate.
func (q Query[T]) SingleMatch(pred func(T) bool) (T, error) {
	if pred == nil {
		var zero T
		return zero, ErrNilArgument
	}
	return searchSingle(q, pred)
}

// ElementAt returns the element at ordinal position index.
func (q Query[T]) ElementAt(index int) (T, error) {
	return searchElementAt(q, index)
}

// AnyMatch reports whether any element matches the predicate.
func (q Query[T]) AnyMatch(pred func(T) bool) (bool, error) {
	if pred == nil {
		return false, ErrNilArgument
	}
	return searchAny(q, pred)
}

// AllMatch reports whether every element matches the predicate.
func (q Query[T]) AllMatch(pred func(T) bool) (bool, error) {
	if pred == nil {
		return false, ErrNilArgument
	}
	return searchAll(q, pred)
}

// IsEmpty reports whether the query produces no elements.
func (q Query[T]) IsEmpty() (bool, error) {
	any, err := searchAny(q, func(T) bool { return true })
	return !any, err
}

// Contains reports whether the query produces the given element.
func Contains[T comparable](q Query[T], value T) (bool, error) {
	return searchAny(q, func(v T) bool { return v == value })
}
