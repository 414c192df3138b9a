package parquery

import (
	"context"
	"iter"
)

// concatOp appends the right query after the left. Keys are wrapped with
// their side so the comparer orders every left element before every right
// one; worker i streams left partition i, then right partition i.
type concatOp[T any] struct {
	left, right operator[T]
	state       indexState
}

func concatState[T any](left, right operator[T]) indexState {
	if left.indexState() == stateIndexible && right.indexState() == stateIndexible {
		return stateIndexible
	}
	return stateIncreasing
}

func newConcatOp[T any](left, right operator[T]) *concatOp[T] {
	return &concatOp[T]{left: left, right: right, state: concatState(left, right)}
}

func (o *concatOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	leftRes, err := openAtLeast(ex, o.left, stateIncreasing, preferStriping)
	if err != nil {
		return nil, err
	}
	rightRes, err := openAtLeast(ex, o.right, stateIncreasing, preferStriping)
	if err != nil {
		return nil, err
	}
	if leftRes.indexible() && rightRes.indexible() {
		leftAt, leftLen := leftRes.at, leftRes.length
		rightAt := rightRes.at
		return indexibleResults(leftLen+rightRes.length, func(i int) T {
			if i < leftLen {
				return leftAt(i)
			}
			return rightAt(i - leftLen)
		}), nil
	}
	left := leftRes.partitioned(ex, preferStriping)
	right := rightRes.partitioned(ex, preferStriping)
	n := left.degree()
	state := stateIncreasing
	if worse(left.state, right.state) == stateShuffled {
		state = stateShuffled
	}
	out := newPartitionedStream[T](n, concatComparer(left.keyCmp, right.keyCmp), state)
	for i := range n {
		out.partitions[i] = &concatEnumerator[T]{
			left:  left.partitions[i],
			right: right.partitions[i],
		}
	}
	return streamResults(out), nil
}

func (o *concatOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqConcat(o.left.sequential(ctx), o.right.sequential(ctx))
}

func (o *concatOp[T]) indexState() indexState { return o.state }
func (o *concatOp[T]) limitsParallelism() bool {
	return o.left.limitsParallelism() || o.right.limitsParallelism()
}
func (o *concatOp[T]) ordered() bool {
	return o.left.ordered() || o.right.ordered()
}

type concatEnumerator[T any] struct {
	left     enumerator[T]
	right    enumerator[T]
	leftDone bool
}

func (e *concatEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.leftDone {
		var inner OrderKey
		ok, err := e.left.moveNext(value, &inner)
		if err != nil {
			return false, err
		}
		if ok {
			*key = concatKey{inner: inner}
			return true, nil
		}
		e.leftDone = true
	}
	var inner OrderKey
	ok, err := e.right.moveNext(value, &inner)
	if !ok || err != nil {
		return false, err
	}
	*key = concatKey{inner: inner, right: true}
	return true, nil
}

func (e *concatEnumerator[T]) close() error {
	err := e.left.close()
	if rerr := e.right.close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
