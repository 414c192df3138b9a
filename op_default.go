package parquery

import (
	"context"
	"iter"

	"github.com/puzpuzpuz/xsync/v3"
)

// defaultIfEmptyOp substitutes a single default element when the whole query
// produces nothing. Only partition 0 may emit the default; it waits for every
// other partition to report whether it saw an element.
type defaultIfEmptyOp[T any] struct {
	unaryBase[T]
	def T
}

func newDefaultIfEmptyOp[T any](child operator[T], def T) *defaultIfEmptyOp[T] {
	return &defaultIfEmptyOp[T]{
		unaryBase: makeUnaryBase(child, worse(child.indexState(), stateCorrect)),
		def:       def,
	}
}

func (o *defaultIfEmptyOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		if res.length > 0 {
			return res, nil
		}
		def := o.def
		return indexibleResults(1, func(int) T { return def }), nil
	}
	src := res.stream
	n := src.degree()
	shared := &defaultIfEmptyShared{
		latch:    newCountdownLatch(n - 1),
		nonEmpty: xsync.NewCounter(),
	}
	out := newPartitionedStream[T](n, src.keyCmp, worse(src.state, stateCorrect))
	for i, p := range src.partitions {
		out.partitions[i] = &defaultIfEmptyEnumerator[T]{
			src:    p,
			shared: shared,
			me:     i,
			def:    o.def,
			cancel: ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *defaultIfEmptyOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqDefaultIfEmpty(o.child.sequential(ctx), o.def)
}

type defaultIfEmptyShared struct {
	latch    *countdownLatch
	nonEmpty *xsync.Counter
}

type defaultIfEmptyEnumerator[T any] struct {
	src    enumerator[T]
	shared *defaultIfEmptyShared
	me     int
	def    T
	cancel *cancelState

	started     bool
	firstVal    T
	firstKey    OrderKey
	hasFirst    bool
	emitDefault bool
	done        bool
}

func (e *defaultIfEmptyEnumerator[T]) start() error {
	ok, err := e.src.moveNext(&e.firstVal, &e.firstKey)
	if err != nil {
		if e.me != 0 {
			e.shared.latch.signal()
		}
		return err
	}
	e.hasFirst = ok
	if e.me != 0 {
		if ok {
			e.shared.nonEmpty.Inc()
		}
		e.shared.latch.signal()
		e.started = true
		return nil
	}
	if !ok {
		if err := e.shared.latch.wait(e.cancel); err != nil {
			return err
		}
		e.emitDefault = e.shared.nonEmpty.Value() == 0
	}
	e.started = true
	return nil
}

func (e *defaultIfEmptyEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.started {
		if err := e.start(); err != nil {
			return false, err
		}
	}
	if e.hasFirst {
		e.hasFirst = false
		*value = e.firstVal
		*key = e.firstKey
		return true, nil
	}
	if e.emitDefault {
		e.emitDefault = false
		e.done = true
		*value = e.def
		*key = positionKey(0)
		return true, nil
	}
	if e.done {
		return false, nil
	}
	return e.src.moveNext(value, key)
}

func (e *defaultIfEmptyEnumerator[T]) close() error {
	return e.src.close()
}
