package parquery

import (
	"context"
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Grouping is one key's bucket in a GroupBy result.
type Grouping[K comparable, V any] struct {
	Key    K
	Values []V
}

// groupByOp buckets elements by key after a hash repartition, so each group
// materializes wholly inside one worker. Buckets keep their first-seen
// insertion order; the ordered variant additionally records the minimum order
// key per group, which lets an ordered merge arrange groups by their earliest
// member.
type groupByOp[T any, K comparable, V any] struct {
	child operator[T]
	keyFn func(T) K
	valFn func(T) V
}

func newGroupByOp[T any, K comparable, V any](child operator[T], keyFn func(T) K, valFn func(T) V) *groupByOp[T, K, V] {
	return &groupByOp[T, K, V]{child: child, keyFn: keyFn, valFn: valFn}
}

func (o *groupByOp[T, K, V]) open(ex *executor, preferStriping bool) (*queryResults[Grouping[K, V]], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	src := hashRepartition(ex, res.partitioned(ex, preferStriping), newHasher[K](ex.dop()), o.keyFn, o.ordered())
	out := newPartitionedStream[Grouping[K, V]](src.degree(), src.keyCmp, stateShuffled)
	for i, p := range src.partitions {
		out.partitions[i] = &groupByEnumerator[T, K, V]{
			op:      o,
			src:     p,
			ordered: o.ordered(),
			cmp:     src.keyCmp,
			cancel:  ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *groupByOp[T, K, V]) sequential(ctx context.Context) iter.Seq[Grouping[K, V]] {
	return seqGroupBy(o.child.sequential(ctx), o.keyFn, o.valFn)
}

func (o *groupByOp[T, K, V]) indexState() indexState  { return stateShuffled }
func (o *groupByOp[T, K, V]) limitsParallelism() bool { return o.child.limitsParallelism() }
func (o *groupByOp[T, K, V]) ordered() bool           { return o.child.ordered() }

type groupAccum[V any] struct {
	values []V
	minKey OrderKey
}

type groupByEnumerator[T any, K comparable, V any] struct {
	op      *groupByOp[T, K, V]
	src     enumerator[T]
	ordered bool
	cmp     KeyComparer
	cancel  *cancelState

	built   bool
	groups  *orderedmap.OrderedMap[K, *groupAccum[V]]
	current *orderedmap.Pair[K, *groupAccum[V]]
	ordinal int64
	pulls   int64
}

func (e *groupByEnumerator[T, K, V]) build() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapCallbackPanic(r)
		}
	}()
	e.groups = orderedmap.New[K, *groupAccum[V]]()
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
			break
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return err
		}
		gk := e.op.keyFn(v)
		acc, ok := e.groups.Get(gk)
		if !ok {
			acc = &groupAccum[V]{minKey: k}
			e.groups.Set(gk, acc)
		} else if e.ordered && e.cmp(k, acc.minKey) < 0 {
			acc.minKey = k
		}
		acc.values = append(acc.values, e.op.valFn(v))
	}
	e.built = true
	e.current = e.groups.Oldest()
	return nil
}

func (e *groupByEnumerator[T, K, V]) moveNext(value *Grouping[K, V], key *OrderKey) (bool, error) {
	if !e.built {
		if err := e.build(); err != nil {
			return false, err
		}
	}
	if e.current == nil {
		return false, nil
	}
	*value = Grouping[K, V]{Key: e.current.Key, Values: e.current.Value.values}
	if e.ordered {
		*key = e.current.Value.minKey
	} else {
		*key = positionKey(e.ordinal)
		e.ordinal++
	}
	e.current = e.current.Next()
	return true, nil
}

func (e *groupByEnumerator[T, K, V]) close() error {
	e.groups = nil
	return e.src.close()
}
