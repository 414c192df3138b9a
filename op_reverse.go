package parquery

import (
	"context"
	"iter"
)

// reverseOp yields its input backwards. Each worker buffers only its own
// partition and replays it in reverse; flipping the key comparer is what
// reverses the order globally, since the merge trusts the comparer alone.
type reverseOp[T any] struct {
	unaryBase[T]
}

func reverseState[T any](child operator[T]) indexState {
	if child.indexState() == stateIndexible {
		return stateIndexible
	}
	return worse(child.indexState(), stateIncreasing)
}

func newReverseOp[T any](child operator[T]) *reverseOp[T] {
	return &reverseOp[T]{unaryBase: makeUnaryBase(child, reverseState(child))}
}

func (o *reverseOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := openAtLeast(ex, o.child, stateIncreasing, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		at, length := res.at, res.length
		return indexibleResults(length, func(i int) T { return at(length - 1 - i) }), nil
	}
	src := res.stream
	out := newPartitionedStream[T](src.degree(), reverseComparer(src.keyCmp), stateIncreasing)
	for i, p := range src.partitions {
		out.partitions[i] = &reverseEnumerator[T]{src: p, cancel: ex.cancel}
	}
	return streamResults(out), nil
}

func (o *reverseOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqReverse(o.child.sequential(ctx))
}

type reverseEnumerator[T any] struct {
	src      enumerator[T]
	cancel   *cancelState
	buffered bool
	buf      []elemKey[T]
	pos      int
	pulls    int64
}

func (e *reverseEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.buffered {
		var (
			v T
			k OrderKey
		)
		for {
			ok, err := e.src.moveNext(&v, &k)
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			e.pulls++
			if err := e.cancel.poll(e.pulls); err != nil {
				return false, err
			}
			e.buf = append(e.buf, elemKey[T]{value: v, key: k})
		}
		e.pos = len(e.buf) - 1
		e.buffered = true
	}
	if e.pos < 0 {
		return false, nil
	}
	ek := e.buf[e.pos]
	e.pos--
	*value = ek.value
	*key = ek.key
	return true, nil
}

func (e *reverseEnumerator[T]) close() error {
	e.buf = nil
	return e.src.close()
}
