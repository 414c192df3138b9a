package parquery

import (
	"context"
	"iter"

	collections "github.com/ilxqx/go-collections"
)

// Set operators share one shape: hash-repartition the input(s) so equal
// elements meet in the same partition, then run a plain local set algorithm
// per worker. Ordered variants track the minimum order key per distinct
// value, making the earliest occurrence the canonical one.

// --- Distinct ---

type distinctOp[T any, K comparable] struct {
	child operator[T]
	keyFn func(T) K
}

func newDistinctOp[T any, K comparable](child operator[T], keyFn func(T) K) *distinctOp[T, K] {
	return &distinctOp[T, K]{child: child, keyFn: keyFn}
}

func (o *distinctOp[T, K]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	res, err := o.child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	src := hashRepartition(ex, res.partitioned(ex, preferStriping), newHasher[K](ex.dop()), o.keyFn, o.ordered())
	out := newPartitionedStream[T](src.degree(), src.keyCmp, stateShuffled)
	for i, p := range src.partitions {
		if o.ordered() {
			out.partitions[i] = &distinctOrderedEnumerator[T, K]{
				src: p, keyFn: o.keyFn, cmp: src.keyCmp, cancel: ex.cancel,
			}
		} else {
			out.partitions[i] = &distinctEnumerator[T, K]{
				src: p, keyFn: o.keyFn, seen: collections.NewHashSet[K](),
			}
		}
	}
	return streamResults(out), nil
}

func (o *distinctOp[T, K]) sequential(ctx context.Context) iter.Seq[T] {
	return seqDistinct(o.child.sequential(ctx), o.keyFn)
}

func (o *distinctOp[T, K]) indexState() indexState  { return stateShuffled }
func (o *distinctOp[T, K]) limitsParallelism() bool { return o.child.limitsParallelism() }
func (o *distinctOp[T, K]) ordered() bool           { return o.child.ordered() }

// distinctEnumerator streams first occurrences as they arrive.
type distinctEnumerator[T any, K comparable] struct {
	src   enumerator[T]
	keyFn func(T) K
	seen  collections.Set[K]
}

func (e *distinctEnumerator[T, K]) moveNext(value *T, key *OrderKey) (bool, error) {
	for {
		ok, err := e.src.moveNext(value, key)
		if !ok || err != nil {
			return false, err
		}
		k := e.keyFn(*value)
		if e.seen.Contains(k) {
			continue
		}
		e.seen.Add(k)
		return true, nil
	}
}

func (e *distinctEnumerator[T, K]) close() error {
	return e.src.close()
}

// distinctOrderedEnumerator must see its whole partition before it can emit:
// only then is the minimum order key per value final.
type distinctOrderedEnumerator[T any, K comparable] struct {
	src    enumerator[T]
	keyFn  func(T) K
	cmp    KeyComparer
	cancel *cancelState

	built bool
	out   []elemKey[T]
	pos   int
	pulls int64
}

func (e *distinctOrderedEnumerator[T, K]) build() error {
	canonical := collections.NewHashMap[K, elemKey[T]]()
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
		hk := e.keyFn(v)
		if cur, seen := canonical.Get(hk); !seen || e.cmp(k, cur.key) < 0 {
			canonical.Put(hk, elemKey[T]{value: v, key: k})
		}
	}
	for _, ek := range canonical.Seq() {
		e.out = append(e.out, ek)
	}
	e.built = true
	return nil
}

func (e *distinctOrderedEnumerator[T, K]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.built {
		if err := e.build(); err != nil {
			return false, err
		}
	}
	if e.pos >= len(e.out) {
		return false, nil
	}
	ek := e.out[e.pos]
	e.pos++
	*value = ek.value
	*key = ek.key
	return true, nil
}

func (e *distinctOrderedEnumerator[T, K]) close() error {
	e.out = nil
	return e.src.close()
}

// --- Union / Intersect / Except ---

type setOpKind int

const (
	setOpUnion setOpKind = iota
	setOpIntersect
	setOpExcept
)

type setOp[T comparable] struct {
	left, right operator[T]
	kind        setOpKind
}

func newSetOp[T comparable](left, right operator[T], kind setOpKind) *setOp[T] {
	return &setOp[T]{left: left, right: right, kind: kind}
}

func (o *setOp[T]) open(ex *executor, preferStriping bool) (*queryResults[T], error) {
	leftRes, err := o.left.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	rightRes, err := o.right.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	identity := func(v T) T { return v }
	ordered := o.ordered()
	// Both sides must agree on the hash, or equal elements would land in
	// different partitions.
	h := newHasher[T](ex.dop())
	left := hashRepartition(ex, leftRes.partitioned(ex, preferStriping), h, identity, ordered)
	right := hashRepartition(ex, rightRes.partitioned(ex, preferStriping), h, identity, ordered)
	out := newPartitionedStream[T](left.degree(), left.keyCmp, stateShuffled)
	for i := range left.partitions {
		out.partitions[i] = &setOpEnumerator[T]{
			left:    left.partitions[i],
			right:   right.partitions[i],
			kind:    o.kind,
			ordered: ordered,
			cmp:     left.keyCmp,
			cancel:  ex.cancel,
		}
	}
	return streamResults(out), nil
}

func (o *setOp[T]) sequential(ctx context.Context) iter.Seq[T] {
	left, right := o.left.sequential(ctx), o.right.sequential(ctx)
	switch o.kind {
	case setOpUnion:
		return seqUnion(left, right)
	case setOpIntersect:
		return seqIntersect(left, right)
	default:
		return seqExcept(left, right)
	}
}

func (o *setOp[T]) indexState() indexState { return stateShuffled }
func (o *setOp[T]) limitsParallelism() bool {
	return o.left.limitsParallelism() || o.right.limitsParallelism()
}
func (o *setOp[T]) ordered() bool {
	return o.left.ordered() || o.right.ordered()
}

// setOpEnumerator runs the local set algebra for one partition. Both inputs
// were repartitioned with the same hash, so equality never crosses
// partitions. Intersect and Except build the right side first, then stream
// the left; Union streams both sides through one membership set. Ordered
// forms buffer and emit canonical (minimum-key) occurrences.
type setOpEnumerator[T comparable] struct {
	left    enumerator[T]
	right   enumerator[T]
	kind    setOpKind
	ordered bool
	cmp     KeyComparer
	cancel  *cancelState

	started  bool
	rightSet collections.Set[T]
	seen     collections.Set[T]
	onRight  bool
	buffered []elemKey[T]
	pos      int
	pulls    int64
}

// drainRight loads the right side into the membership set.
func (e *setOpEnumerator[T]) drainRight() error {
	e.rightSet = collections.NewHashSet[T]()
	var (
		v T
		k OrderKey
	)
	for {
		ok, err := e.right.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return err
		}
		e.rightSet.Add(v)
	}
}

// buildOrdered computes the full ordered result for this partition.
func (e *setOpEnumerator[T]) buildOrdered() error {
	canonical := collections.NewHashMap[T, OrderKey]()
	record := func(v T, k OrderKey) {
		if cur, seen := canonical.Get(v); !seen || e.cmp(k, cur) < 0 {
			canonical.Put(v, k)
		}
	}
	var (
		v T
		k OrderKey
	)
	switch e.kind {
	case setOpUnion:
		for _, src := range []enumerator[T]{e.left, e.right} {
			for {
				ok, err := src.moveNext(&v, &k)
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
				record(v, k)
			}
		}
	default:
		if err := e.drainRight(); err != nil {
			return err
		}
		for {
			ok, err := e.left.moveNext(&v, &k)
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
			inRight := e.rightSet.Contains(v)
			if (e.kind == setOpIntersect) == inRight {
				record(v, k)
			}
		}
	}
	for v, k := range canonical.Seq() {
		e.buffered = append(e.buffered, elemKey[T]{value: v, key: k})
	}
	return nil
}

func (e *setOpEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if !e.started {
		e.started = true
		if e.ordered {
			if err := e.buildOrdered(); err != nil {
				return false, err
			}
		} else {
			e.seen = collections.NewHashSet[T]()
			if e.kind != setOpUnion {
				if err := e.drainRight(); err != nil {
					return false, err
				}
			}
		}
	}
	if e.ordered {
		if e.pos >= len(e.buffered) {
			return false, nil
		}
		ek := e.buffered[e.pos]
		e.pos++
		*value = ek.value
		*key = ek.key
		return true, nil
	}
	for {
		src := e.left
		if e.onRight {
			src = e.right
		}
		ok, err := src.moveNext(value, key)
		if err != nil {
			return false, err
		}
		if !ok {
			if e.kind == setOpUnion && !e.onRight {
				e.onRight = true
				continue
			}
			return false, nil
		}
		v := *value
		switch e.kind {
		case setOpUnion:
			if e.seen.Contains(v) {
				continue
			}
			e.seen.Add(v)
		case setOpIntersect:
			if !e.rightSet.Contains(v) || e.seen.Contains(v) {
				continue
			}
			e.seen.Add(v)
		default: // except
			if e.rightSet.Contains(v) || e.seen.Contains(v) {
				continue
			}
			e.seen.Add(v)
		}
		return true, nil
	}
}

func (e *setOpEnumerator[T]) close() error {
	err := e.left.close()
	if rerr := e.right.close(); rerr != nil && err == nil {
		err = rerr
	}
	e.buffered = nil
	return err
}
