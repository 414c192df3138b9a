package parquery

import (
	"context"
	"iter"
)

// zipOp pairs elements of two queries by position. It stays parallel only
// when both sides support random access; otherwise pairing would force a full
// serialization anyway, so the operator advertises limited parallelism and
// the driver prefers the sequential path. Under ForceParallelism both sides
// are collected into indexible arrays first.
type zipOp[L, R, O any] struct {
	left  operator[L]
	right operator[R]
	fn    func(L, R) O
}

func newZipOp[L, R, O any](left operator[L], right operator[R], fn func(L, R) O) *zipOp[L, R, O] {
	return &zipOp[L, R, O]{left: left, right: right, fn: fn}
}

func (o *zipOp[L, R, O]) bothIndexible() bool {
	return o.left.indexState() == stateIndexible && o.right.indexState() == stateIndexible
}

func (o *zipOp[L, R, O]) open(ex *executor, preferStriping bool) (*queryResults[O], error) {
	leftRes, err := o.left.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	// Pairing is positional, so a collected side must come back in source
	// order whether or not the query observes order.
	if !leftRes.indexible() {
		if leftRes, err = prematureMerge(ex, leftRes.stream, true); err != nil {
			return nil, err
		}
	}
	rightRes, err := o.right.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	if !rightRes.indexible() {
		if rightRes, err = prematureMerge(ex, rightRes.stream, true); err != nil {
			return nil, err
		}
	}
	leftAt, rightAt := leftRes.at, rightRes.at
	length := min(leftRes.length, rightRes.length)
	return indexibleResults(length, func(i int) O {
		return o.fn(leftAt(i), rightAt(i))
	}), nil
}

func (o *zipOp[L, R, O]) sequential(ctx context.Context) iter.Seq[O] {
	return seqZip(o.left.sequential(ctx), o.right.sequential(ctx), o.fn)
}

func (o *zipOp[L, R, O]) indexState() indexState {
	if o.bothIndexible() {
		return stateIndexible
	}
	return stateShuffled
}

func (o *zipOp[L, R, O]) limitsParallelism() bool {
	return !o.bothIndexible() || o.left.limitsParallelism() || o.right.limitsParallelism()
}

func (o *zipOp[L, R, O]) ordered() bool {
	return o.left.ordered() || o.right.ordered()
}
