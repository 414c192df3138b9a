package parquery

import (
	"context"
	"iter"
	"sync"
)

// takeSkipOp implements Limit and Skip. Workers cannot know locally whether
// an element falls inside the first n globally, so they share a bounded
// max-heap of the n smallest keys seen anywhere. Every worker buffers until
// the heap rejects one of its keys (its keys increase, so every later key
// would be rejected too) or its partition ends, signals a countdown, and
// waits for the others; the heap's maximum is then the agreed cutoff.
type takeSkipOp[T any] struct {
	unaryBase[T]
	n    int
	take bool
}

func takeSkipState[T any](child operator[T], take bool) indexState {
	if child.indexState() == stateIndexible {
		return stateIndexible
	}
	if take {
		return stateCorrect
	}
	return stateIncreasing
}

func newTakeSkipOp[T any](child operator[T], n int, take bool) *takeSkipOp[T] {
	return &takeSkipOp[T]{
		unaryBase: makeUnaryBase(child, takeSkipState(child, take)),
		n:         n,
		take:      take,
	}
}

func (o *takeSkipOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := openAtLeast(ex, o.child, stateIncreasing, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		at := res.at
		if o.take {
			return indexibleResults(min(o.n, res.length), at), nil
		}
		offset := min(o.n, res.length)
		return indexibleResults(res.length-offset, func(i int) T { return at(i + offset) }), nil
	}
	src := res.stream
	n := src.degree()
	shared := &takeSkipShared{
		heap:  newBoundedMaxHeap(o.n, src.keyCmp),
		latch: newCountdownLatch(n),
		cmp:   src.keyCmp,
	}
	outState := stateCorrect
	if !o.take {
		outState = stateIncreasing
	}
	out := newPartitionedStream[T](n, src.keyCmp, outState)
	for i, p := range src.partitions {
		out.partitions[i] = &takeSkipEnumerator[T]{
			src:    p,
			shared: shared,
			take:   o.take,
			cancel: ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *takeSkipOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	if o.take {
		return seqLimit(o.child.sequential(ctx), o.n)
	}
	return seqSkip(o.child.sequential(ctx), o.n)
}

type takeSkipShared struct {
	mu    sync.Mutex
	heap  *boundedMaxHeap
	latch *countdownLatch
	cmp   KeyComparer
}

type takeSkipEnumerator[T any] struct {
	src    enumerator[T]
	shared *takeSkipShared
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

// search runs the buffering phase: pull until the shared heap rejects one of
// this partition's keys or the partition ends, then rendezvous on the latch.
// The latch is signaled even when the pull fails, so peers never stall on a
// dead partition.
func (e *takeSkipEnumerator[T]) search() error {
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
		e.shared.mu.Lock()
		accepted := e.shared.heap.offer(k)
		e.shared.mu.Unlock()
		e.buffered.push(elemKey[T]{value: v, key: k})
		if !accepted {
			break
		}
	}
	e.shared.latch.signal()
	signaled = true
	if err := e.shared.latch.wait(e.cancel); err != nil {
		return err
	}
	e.cutoff, e.hasCutoff = e.shared.heap.cutoff()
	e.replay = e.buffered.cursor()
	e.searched = true
	return nil
}

// keeps reports whether an element with key k belongs to this operator's
// output given the agreed cutoff.
func (e *takeSkipEnumerator[T]) keeps(k OrderKey) bool {
	if !e.hasCutoff {
		// Fewer than n elements exist in total: Limit keeps everything,
		// Skip keeps nothing.
		return e.take
	}
	if e.take {
		return e.shared.cmp(k, e.cutoff) <= 0
	}
	return e.shared.cmp(k, e.cutoff) > 0
}

func (e *takeSkipEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
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
	// Skip stopped pulling early; the rest of the partition is all past the
	// cutoff.
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

func (e *takeSkipEnumerator[T]) close() error {
	e.buffered = chunkedList[elemKey[T]]{}
	return e.src.close()
}
