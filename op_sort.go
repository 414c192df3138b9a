package parquery

import (
	"context"
	"iter"
)

// sortOp does no sorting of its own. It re-keys every element with its sort
// key (the element itself, under the user comparator) while remembering the
// previous key as a tie breaker, and installs the composed comparer on the
// stream. The ordered merge downstream performs the actual cooperative sort;
// until then elements keep flowing partition-local.
type sortOp[T any] struct {
	child operator[T]
	cmp   func(a, b T) int
}

func newSortOp[T any](child operator[T], cmp func(a, b T) int) *sortOp[T] {
	return &sortOp[T]{child: child, cmp: cmp}
}

func (o *sortOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	byCmp := func(a, b any) int { return o.cmp(a.(T), b.(T)) }
	out := newPartitionedStream[T](src.degree(), sortedComparer(byCmp, src.keyCmp), stateShuffled)
	for i, p := range src.partitions {
		out.partitions[i] = &sortKeyEnumerator[T]{src: p}
	}
	return streamResults(out), nil
}

func (o *sortOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqSorted(o.child.sequential(ctx), o.cmp)
}

func (o *sortOp[T]) indexState() indexState  { return stateShuffled }
func (o *sortOp[T]) limitsParallelism() bool { return o.child.limitsParallelism() }

// ordered is unconditionally true: sorting defines the output order even for
// queries that never asked for source order.
func (o *sortOp[T]) ordered() bool { return true }

type sortKeyEnumerator[T any] struct {
	src enumerator[T]
}

func (e *sortKeyEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	var prev OrderKey
	ok, err := e.src.moveNext(value, &prev)
	if !ok || err != nil {
		return false, err
	}
	*key = sortedKey{by: *value, tie: prev}
	return true, nil
}

func (e *sortKeyEnumerator[T]) close() error {
	return e.src.close()
}
