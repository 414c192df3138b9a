package parquery

import (
	"context"
	"iter"

	collections "github.com/ilxqx/go-collections"
)

// joinOp is the hash join behind Join and GroupJoin. Both sides are
// repartitioned by the same key hash, so a worker can join its partitions
// without seeing anyone else's data: it builds a multimap from its slice of
// the right side, then probes while streaming its slice of the left.
type joinOp[L, R any, K comparable, O any] struct {
	left     operator[L]
	right    operator[R]
	leftKey  func(L) K
	rightKey func(R) K
	// Exactly one of result / group is set; group marks a GroupJoin, which
	// emits one row per left element even without matches.
	result func(L, R) O
	group  func(L, []R) O
}

func newJoinOp[L, R any, K comparable, O any](
	left operator[L], right operator[R],
	leftKey func(L) K, rightKey func(R) K,
	result func(L, R) O,
) *joinOp[L, R, K, O] {
	return &joinOp[L, R, K, O]{
		left: left, right: right,
		leftKey: leftKey, rightKey: rightKey,
		result: result,
	}
}

func newGroupJoinOp[L, R any, K comparable, O any](
	left operator[L], right operator[R],
	leftKey func(L) K, rightKey func(R) K,
	group func(L, []R) O,
) *joinOp[L, R, K, O] {
	return &joinOp[L, R, K, O]{
		left: left, right: right,
		leftKey: leftKey, rightKey: rightKey,
		group: group,
	}
}

func (o *joinOp[L, R, K, O]) open(ex *executor, preferStriping bool) (*queryResults[O], error) {
	leftRes, err := o.left.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	rightRes, err := o.right.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	// Output order follows the left side; the right side's order never
	// survives a hash join. One hasher serves both sides so matching keys
	// meet in the same partition.
	h := newHasher[K](ex.dop())
	left := hashRepartition(ex, leftRes.partitioned(ex, preferStriping), h, o.leftKey, o.ordered())
	right := hashRepartition(ex, rightRes.partitioned(ex, preferStriping), h, o.rightKey, false)
	out := newPartitionedStream[O](left.degree(), left.keyCmp, stateShuffled)
	for i := range left.partitions {
		out.partitions[i] = &joinEnumerator[L, R, K, O]{
			op:     o,
			left:   left.partitions[i],
			right:  right.partitions[i],
			cancel: ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *joinOp[L, R, K, O]) sequential(ctx context.Context) iter.Seq[O] {
	if o.group != nil {
		return seqGroupJoin(o.left.sequential(ctx), o.right.sequential(ctx), o.leftKey, o.rightKey, o.group)
	}
	return seqJoin(o.left.sequential(ctx), o.right.sequential(ctx), o.leftKey, o.rightKey, o.result)
}

func (o *joinOp[L, R, K, O]) indexState() indexState { return stateShuffled }
func (o *joinOp[L, R, K, O]) limitsParallelism() bool {
	return o.left.limitsParallelism() || o.right.limitsParallelism()
}
func (o *joinOp[L, R, K, O]) ordered() bool { return o.left.ordered() }

type joinEnumerator[L, R any, K comparable, O any] struct {
	op     *joinOp[L, R, K, O]
	left   enumerator[L]
	right  enumerator[R]
	cancel *cancelState

	built   bool
	lookup  collections.Map[K, []R]
	leftVal L
	leftKey OrderKey
	matches []R
	matchAt int
	pulls   int64
}

// build drains the right partition into the probe table.
func (e *joinEnumerator[L, R, K, O]) build() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapCallbackPanic(r)
		}
	}()
	e.lookup = collections.NewHashMap[K, []R]()
	var (
		r R
		k OrderKey
	)
	for {
		ok, err := e.right.moveNext(&r, &k)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return err
		}
		key := e.op.rightKey(r)
		if existing, ok := e.lookup.Get(key); ok {
			e.lookup.Put(key, append(existing, r))
		} else {
			e.lookup.Put(key, []R{r})
		}
	}
	e.built = true
	return nil
}

func (e *joinEnumerator[L, R, K, O]) moveNext(value *O, key *OrderKey) (ok bool, err error) {
	if !e.built {
		if err := e.build(); err != nil {
			return false, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, wrapCallbackPanic(r)
		}
	}()
	for {
		if e.matchAt < len(e.matches) {
			r := e.matches[e.matchAt]
			e.matchAt++
			*value = e.op.result(e.leftVal, r)
			*key = e.leftKey
			return true, nil
		}
		more, err := e.left.moveNext(&e.leftVal, &e.leftKey)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return false, err
		}
		matches, _ := e.lookup.Get(e.op.leftKey(e.leftVal))
		if e.op.group != nil {
			*value = e.op.group(e.leftVal, matches)
			*key = e.leftKey
			return true, nil
		}
		e.matches, e.matchAt = matches, 0
	}
}

func (e *joinEnumerator[L, R, K, O]) close() error {
	err := e.left.close()
	if rerr := e.right.close(); rerr != nil && err == nil {
		err = rerr
	}
	e.lookup = nil
	return err
}
