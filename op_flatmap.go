package parquery

import (
	"context"
	"iter"
)

// flatMapOp expands every element into a sub-sequence. Output keys pair the
// source key with the position inside the expansion, so ordered merges can
// interleave expansions from different workers correctly.
type flatMapOp[T, U any] struct {
	child   operator[T]
	fn      func(T) iter.Seq[U]
	indexed func(int, T) iter.Seq[U]
}

func newFlatMapOp[T, U any](child operator[T], fn func(T) iter.Seq[U]) *flatMapOp[T, U] {
	return &flatMapOp[T, U]{child: child, fn: fn}
}

func newFlatMapIndexedOp[T, U any](child operator[T], fn func(int, T) iter.Seq[U]) *flatMapOp[T, U] {
	return &flatMapOp[T, U]{child: child, indexed: fn}
}

func (o *flatMapOp[T, U]) expand(v T, k OrderKey) iter.Seq[U] {
	if o.indexed != nil {
		return o.indexed(int(k.(positionKey)), v)
	}
	return o.fn(v)
}

func (o *flatMapOp[T, U]) open(ex *executor, preferStriping bool) (*queryResults[U], error) {
	var (
		res *queryResults[T]
		err error
	)
	if o.indexed != nil {
		// The indexed form hands original positions to the selector.
		res, err = openAtLeast(ex, o.child, stateCorrect, preferStriping)
	} else {
		res, err = o.child.open(ex, preferStriping)
	}
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	out := newPartitionedStream[U](src.degree(), pairComparer(src.keyCmp, comparePositions), stateShuffled)
	for i, p := range src.partitions {
		out.partitions[i] = &flatMapEnumerator[T, U]{src: p, op: o, cancel: ex.cancel}
	}
	return streamResults(out), nil
}

func (o *flatMapOp[T, U]) sequential(ctx context.Context) iter.Seq[U] {
	if o.indexed != nil {
		src := o.child.sequential(ctx)
		return func(yield func(U) bool) {
			idx := 0
			for v := range src {
				for u := range o.indexed(idx, v) {
					if !yield(u) {
						return
					}
				}
				idx++
			}
		}
	}
	return seqFlatMap(o.child.sequential(ctx), o.fn)
}

func (o *flatMapOp[T, U]) indexState() indexState  { return stateShuffled }
func (o *flatMapOp[T, U]) limitsParallelism() bool { return o.child.limitsParallelism() }
func (o *flatMapOp[T, U]) ordered() bool           { return o.child.ordered() }

type flatMapEnumerator[T, U any] struct {
	src    enumerator[T]
	op     *flatMapOp[T, U]
	cancel *cancelState

	inner     func() (U, bool)
	innerStop func()
	outerKey  OrderKey
	innerPos  int64
	pulls     int64
}

func (e *flatMapEnumerator[T, U]) moveNext(value *U, key *OrderKey) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, wrapCallbackPanic(r)
		}
	}()
	for {
		if e.inner != nil {
			if u, more := e.inner(); more {
				e.pulls++
				if err := e.cancel.poll(e.pulls); err != nil {
					return false, err
				}
				*value = u
				*key = pairKey{outer: e.outerKey, inner: positionKey(e.innerPos)}
				e.innerPos++
				return true, nil
			}
			e.innerStop()
			e.inner, e.innerStop = nil, nil
		}
		var (
			v T
			k OrderKey
		)
		more, err := e.src.moveNext(&v, &k)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
		next, stop := iter.Pull(e.op.expand(v, k))
		e.inner, e.innerStop = next, stop
		e.outerKey, e.innerPos = k, 0
	}
}

func (e *flatMapEnumerator[T, U]) close() error {
	if e.innerStop != nil {
		e.innerStop()
		e.inner, e.innerStop = nil, nil
	}
	return e.src.close()
}
