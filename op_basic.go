package parquery

import (
	"context"
	"iter"
)

// --- Ordering wrapper ---

// orderingOp flips order observability without touching the data path.
type orderingOp[T any] struct {
	child operator[T]
	on    bool
}

func (o *orderingOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	return o.child.open(ex, preferStriping)
}

func (o *orderingOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return o.child.sequential(ctx)
}

func (o *orderingOp[T]) indexState() indexState  { return o.child.indexState() }
func (o *orderingOp[T]) limitsParallelism() bool { return o.child.limitsParallelism() }
func (o *orderingOp[T]) ordered() bool           { return o.on }

// --- Map ---

// mapOp applies a pure per-element function. Keys and index state pass
// through untouched; an indexible child stays indexible since the projection
// composes with random access.
type mapOp[T, U any] struct {
	child operator[T]
	fn    func(T) U
}

func (o *mapOp[T, U]) open(ex *executor, preferStriping bool) (*queryResults[U], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		at := res.at
		return indexibleResults(res.length, func(i int) U { return o.fn(at(i)) }), nil
	}
	src := res.stream
	out := newPartitionedStream[U](src.degree(), src.keyCmp, src.state)
	for i, p := range src.partitions {
		out.partitions[i] = &mapEnumerator[T, U]{src: p, fn: o.fn}
	}
	return streamResults(out), nil
}

func (o *mapOp[T, U]) sequential(ctx context.Context) iter.Seq[U] {
	return seqMap(o.child.sequential(ctx), o.fn)
}

func (o *mapOp[T, U]) indexState() indexState  { return o.child.indexState() }
func (o *mapOp[T, U]) limitsParallelism() bool { return o.child.limitsParallelism() }
func (o *mapOp[T, U]) ordered() bool           { return o.child.ordered() }

type mapEnumerator[T, U any] struct {
	src     enumerator[T]
	fn      func(T) U
	scratch T
}

func (e *mapEnumerator[T, U]) moveNext(value *U, key *OrderKey) (bool, error) {
	ok, err := e.src.moveNext(&e.scratch, key)
	if !ok || err != nil {
		return false, err
	}
	*value = e.fn(e.scratch)
	return true, nil
}

func (e *mapEnumerator[T, U]) close() error {
	return e.src.close()
}

// --- Filter ---

// filterOp drops elements failing the predicate. Keys survive but become
// sparse, so the state is at best increasing.
type filterOp[T any] struct {
	unaryBase[T]
	pred func(T) bool
}

func newFilterOp[T any](child operator[T], pred func(T) bool) *filterOp[T] {
	return &filterOp[T]{
		unaryBase: makeUnaryBase(child, worse(child.indexState(), stateIncreasing)),
		pred:      pred,
	}
}

func (o *filterOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	out := newPartitionedStream[T](src.degree(), src.keyCmp, worse(src.state, stateIncreasing))
	for i, p := range src.partitions {
		out.partitions[i] = &filterEnumerator[T]{src: p, pred: o.pred}
	}
	return streamResults(out), nil
}

func (o *filterOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqFilter(o.child.sequential(ctx), o.pred)
}

type filterEnumerator[T any] struct {
	src  enumerator[T]
	pred func(T) bool
}

func (e *filterEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	for {
		ok, err := e.src.moveNext(value, key)
		if !ok || err != nil {
			return false, err
		}
		if e.pred(*value) {
			return true, nil
		}
	}
}

func (e *filterEnumerator[T]) close() error {
	return e.src.close()
}

// --- Indexed map / filter ---

// mapIndexedOp hands the element's original position to the function. It
// needs dense positional keys, so a child with weaker keys is collected and
// re-partitioned first.
type mapIndexedOp[T any] struct {
	unaryBase[T]
	fn func(int, T) T
}

func newMapIndexedOp[T any](child operator[T], fn func(int, T) T) *mapIndexedOp[T] {
	return &mapIndexedOp[T]{
		unaryBase: makeUnaryBase(child, worse(child.indexState(), stateCorrect)),
		fn:        fn,
	}
}

func (o *mapIndexedOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := openAtLeast(ex, o.child, stateCorrect, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		at := res.at
		return indexibleResults(res.length, func(i int) T { return o.fn(i, at(i)) }), nil
	}
	src := res.stream
	out := newPartitionedStream[T](src.degree(), src.keyCmp, stateCorrect)
	for i, p := range src.partitions {
		out.partitions[i] = &mapIndexedEnumerator[T]{src: p, fn: o.fn}
	}
	return streamResults(out), nil
}

func (o *mapIndexedOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqMapIndexed(o.child.sequential(ctx), o.fn)
}

type mapIndexedEnumerator[T any] struct {
	src enumerator[T]
	fn  func(int, T) T
}

func (e *mapIndexedEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	ok, err := e.src.moveNext(value, key)
	if !ok || err != nil {
		return false, err
	}
	*value = e.fn(int((*key).(positionKey)), *value)
	return true, nil
}

func (e *mapIndexedEnumerator[T]) close() error {
	return e.src.close()
}

// filterIndexedOp is Filter with the original position available to the
// predicate. Same key demand as mapIndexedOp; output keys are sparse.
type filterIndexedOp[T any] struct {
	unaryBase[T]
	pred func(int, T) bool
}

func newFilterIndexedOp[T any](child operator[T], pred func(int, T) bool) *filterIndexedOp[T] {
	return &filterIndexedOp[T]{
		unaryBase: makeUnaryBase(child, worse(child.indexState(), stateIncreasing)),
		pred:      pred,
	}
}

func (o *filterIndexedOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := openAtLeast(ex, o.child, stateCorrect, preferStriping)
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	out := newPartitionedStream[T](src.degree(), src.keyCmp, stateIncreasing)
	for i, p := range src.partitions {
		out.partitions[i] = &filterIndexedEnumerator[T]{src: p, pred: o.pred}
	}
	return streamResults(out), nil
}

func (o *filterIndexedOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqFilterIndexed(o.child.sequential(ctx), o.pred)
}

type filterIndexedEnumerator[T any] struct {
	src  enumerator[T]
	pred func(int, T) bool
}

func (e *filterIndexedEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	for {
		ok, err := e.src.moveNext(value, key)
		if !ok || err != nil {
			return false, err
		}
		if e.pred(int((*key).(positionKey)), *value) {
			return true, nil
		}
	}
}

func (e *filterIndexedEnumerator[T]) close() error {
	return e.src.close()
}

// --- Peek ---

// peekOp runs a side-effecting action on each element as it passes through.
type peekOp[T any] struct {
	unaryBase[T]
	action func(T)
}

func newPeekOp[T any](child operator[T], action func(T)) *peekOp[T] {
	return &peekOp[T]{
		unaryBase: makeUnaryBase(child, child.indexState()),
		action:    action,
	}
}

func (o *peekOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	src := res.partitioned(ex, preferStriping)
	out := newPartitionedStream[T](src.degree(), src.keyCmp, src.state)
	for i, p := range src.partitions {
		out.partitions[i] = &peekEnumerator[T]{src: p, action: o.action}
	}
	return streamResults(out), nil
}

func (o *peekOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	return seqPeek(o.child.sequential(ctx), o.action)
}

type peekEnumerator[T any] struct {
	src    enumerator[T]
	action func(T)
}

func (e *peekEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	ok, err := e.src.moveNext(value, key)
	if !ok || err != nil {
		return false, err
	}
	e.action(*value)
	return true, nil
}

func (e *peekEnumerator[T]) close() error {
	return e.src.close()
}
