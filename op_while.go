package parquery

import (
	"context"
	"iter"
)

// whileOp implements TakeWhile and DropWhile. The cutoff is the smallest key
// at which the predicate fails anywhere; workers race to lower a shared
// minimum cell, stop once their own keys pass the current cutoff, and agree
// on the final value behind a countdown.
type whileOp[T any] struct {
	unaryBase[T]
	pred func(T) bool
	take bool
}

func newWhileOp[T any](child operator[T], pred func(T) bool, take bool) *whileOp[T] {
	return &whileOp[T]{
		unaryBase: makeUnaryBase(child, worse(child.indexState(), stateIncreasing)),
		pred:      pred,
		take:      take,
	}
}

func (o *whileOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := openAtLeast(ex, o.child, stateIncreasing, preferStriping)
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	n := src.degree()
	shared := &whileShared[T]{
		cell:  newResultCell[T](src.keyCmp),
		latch: newCountdownLatch(n),
		cmp:   src.keyCmp,
	}
	out := newPartitionedStream[T](n, src.keyCmp, stateIncreasing)
	for i, p := range src.partitions {
		out.partitions[i] = &whileEnumerator[T]{
			src:    p,
			shared: shared,
			pred:   o.pred,
			take:   o.take,
			cancel: ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *whileOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	if o.take {
		return seqTakeWhile(o.child.sequential(ctx), o.pred)
	}
	return seqDropWhile(o.child.sequential(ctx), o.pred)
}

type whileShared[T any] struct {
	cell  *resultCell[T]
	latch *countdownLatch
	cmp   KeyComparer
}

type whileEnumerator[T any] struct {
	src    enumerator[T]
	shared *whileShared[T]
	pred   func(T) bool
	take   bool
	cancel *cancelState

	searched  bool
	buffered  chunkedList[elemKey[T]]
	replay    chunkCursor[elemKey[T]]
	cutoff    OrderKey
	hasCutoff bool
	srcDone   bool
	pulls     int64
}

func (e *whileEnumerator[T]) search() error {
	signaled := false
	defer func() {
		if !signaled {
			e.shared.latch.signal()
		}
	}()
	var (
		v T
		k OrderKey
	)
	for {
		ok, err := e.src.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			e.srcDone = true
			break
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return err
		}
		// Elements at or past the lowest known predicate failure cannot
		// change the cutoff; stop scanning.
		if m, has := e.shared.cell.currentKey(); has && e.shared.cmp(k, m) >= 0 {
			e.buffered.push(elemKey[T]{value: v, key: k})
			break
		}
		if !e.pred(v) {
			e.shared.cell.publishMin(v, k)
			e.buffered.push(elemKey[T]{value: v, key: k})
			break
		}
		e.buffered.push(elemKey[T]{value: v, key: k})
	}
	e.shared.latch.signal()
	signaled = true
	if err := e.shared.latch.wait(e.cancel); err != nil {
		return err
	}
	e.cutoff, e.hasCutoff = e.shared.cell.currentKey()
	e.replay = e.buffered.cursor()
	e.searched = true
	return nil
}

func (e *whileEnumerator[T]) keeps(k OrderKey) bool {
	if !e.hasCutoff {
		// The predicate never failed: TakeWhile keeps the whole sequence,
		// DropWhile drops it.
		return e.take
	}
	if e.take {
		return e.shared.cmp(k, e.cutoff) < 0
	}
	return e.shared.cmp(k, e.cutoff) >= 0
}

func (e *whileEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.searched {
		if err := e.search(); err != nil {
			return false, err
		}
	}
	var ek elemKey[T]
	for e.replay.next(&ek) {
		if e.keeps(ek.key) {
			*value = ek.value
			*key = ek.key
			return true, nil
		}
	}
	if e.take || e.srcDone {
		return false, nil
	}
	for {
		ok, err := e.src.moveNext(value, key)
		if !ok || err != nil {
			return false, err
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return false, err
		}
		if e.keeps(*key) {
			return true, nil
		}
	}
}

func (e *whileEnumerator[T]) close() error {
	e.buffered = chunkedList[elemKey[T]]{}
	return e.src.close()
}
