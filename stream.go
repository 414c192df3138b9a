package parquery

import (
	"slices"

	"golang.org/x/sync/errgroup"
)

// enumerator is the pull-side contract every partition implements. moveNext
// writes the next element and its order key through the out parameters so the
// hot path allocates nothing per element. Enumerators are single-use; close
// releases underlying resources exactly once and is safe to call after
// moveNext returned false or an error.
type enumerator[T any] interface {
	moveNext(value *T, key *OrderKey) (bool, error)
	close() error
}

// partitionedStream is a fixed set of worker enumerators plus the key
// comparer and index state they share. One partition per worker; the merge
// drains them all.
type partitionedStream[T any] struct {
	partitions []enumerator[T]
	keyCmp     KeyComparer
	state      indexState
}

func newPartitionedStream[T any](n int, cmp KeyComparer, state indexState) *partitionedStream[T] {
	return &partitionedStream[T]{
		partitions: make([]enumerator[T], n),
		keyCmp:     cmp,
		state:      state,
	}
}

func (ps *partitionedStream[T]) degree() int {
	return len(ps.partitions)
}

// closeAll closes every partition, keeping the first close error.
func (ps *partitionedStream[T]) closeAll() error {
	var first error
	for _, p := range ps.partitions {
		if p == nil {
			continue
		}
		if err := p.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// queryResults is what opening an operator yields: either a partitioned
// stream, or — when the operator's whole output supports O(1) random access —
// an indexible accessor that downstream operators and merges can consume
// without spinning up workers.
type queryResults[T any] struct {
	stream *partitionedStream[T]
	length int
	at     func(int) T
}

func streamResults[T any](ps *partitionedStream[T]) *queryResults[T] {
	return &queryResults[T]{stream: ps}
}

func indexibleResults[T any](length int, at func(int) T) *queryResults[T] {
	return &queryResults[T]{length: length, at: at}
}

func (r *queryResults[T]) indexible() bool {
	return r.at != nil
}

// partitioned returns the result as a partitioned stream, partitioning the
// indexible accessor on demand.
func (r *queryResults[T]) partitioned(ex *executor, preferStriping bool) *partitionedStream[T] {
	if r.stream != nil {
		return r.stream
	}
	return partitionIndexible(ex, r.length, r.at, preferStriping)
}

// executor carries the per-execution state operators share while open:
// resolved settings and the merged cancellation token.
type executor struct {
	settings Settings
	cancel   *cancelState
}

func newExecutor(settings Settings) *executor {
	return &executor{
		settings: settings,
		cancel:   newCancelState(settings.ctx),
	}
}

func (ex *executor) dop() int {
	return ex.settings.parallelism
}

// elemKey is an element together with its order key, the unit buffered by
// every stop-and-collect phase.
type elemKey[T any] struct {
	value T
	key   OrderKey
}

// drainAll pulls every partition to exhaustion concurrently and returns the
// per-partition buffers. Any partition error fires the engine's internal
// cancellation, which stops the others.
func drainAll[T any](ex *executor, ps *partitionedStream[T]) ([][]elemKey[T], error) {
	buffers := make([][]elemKey[T], ps.degree())
	g, _ := errgroup.WithContext(ex.cancel.merged)
	for i, part := range ps.partitions {
		g.Go(func() error {
			defer part.close()
			var (
				v     T
				k     OrderKey
				buf   []elemKey[T]
				pulls int64
			)
			for {
				ok, err := part.moveNext(&v, &k)
				if err != nil {
					ex.cancel.cancelInternally()
					return err
				}
				if !ok {
					break
				}
				buf = append(buf, elemKey[T]{value: v, key: k})
				pulls++
				if err := ex.cancel.poll(pulls); err != nil {
					return err
				}
			}
			buffers[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buffers, nil
}

// prematureMerge forces a partitioned stream down to a single array. When an
// operator demands stronger order keys than its input provides, the engine
// collects here, restores the order dictated by the keys, and re-partitions
// with dense positional keys.
func prematureMerge[T any](ex *executor, ps *partitionedStream[T], restoreOrder bool) (*queryResults[T], error) {
	buffers, err := drainAll(ex, ps)
	if err != nil {
		return nil, err
	}
	var all []elemKey[T]
	for _, buf := range buffers {
		all = append(all, buf...)
	}
	if restoreOrder {
		slices.SortStableFunc(all, func(a, b elemKey[T]) int {
			return ps.keyCmp(a.key, b.key)
		})
	}
	values := make([]T, len(all))
	for i := range all {
		values[i] = all[i].value
	}
	return indexibleResults(len(values), func(i int) T { return values[i] }), nil
}

// openAtLeast opens the child and, when its index state is worse than need,
// inserts a premature merge so the returned results carry dense positional
// keys again.
func openAtLeast[T any](ex *executor, child operator[T], need indexState, preferStriping bool) (*queryResults[T], error) {
	res, err := child.open(ex, preferStriping)
	if err != nil {
		return nil, err
	}
	if res.indexible() {
		return res, nil
	}
	if res.stream.state <= need {
		return res, nil
	}
	return prematureMerge(ex, res.stream, child.ordered())
}
