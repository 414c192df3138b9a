package parquery

import (
	"context"
	"iter"
)

// operator is a node in the immutable query tree. Opening walks the tree
// root to leaves, each operator wrapping the partitioned stream of its child;
// at execution time data flows back up through the enumerators.
type operator[T any] interface {
	// open produces this operator's results against the given execution.
	// preferStriping hints that a downstream consumer interleaves
	// partitions, making striped slice partitioning worthwhile.
	open(ex *executor, preferStriping bool) (*queryResults[T], error)

	// sequential is the fallback path: an equivalent single-threaded
	// sequence honoring the same cancellation context.
	sequential(ctx context.Context) iter.Seq[T]

	// indexState is the statically known quality of this operator's order
	// keys, computed from its children's at construction time.
	indexState() indexState

	// limitsParallelism hints that this operator's parallel form is
	// inefficient; under ExecutionDefault the driver then runs the whole
	// tree sequentially.
	limitsParallelism() bool

	// ordered reports whether the output order is observable by the
	// consumer.
	ordered() bool
}

// unaryBase carries the bookkeeping every single-child operator shares.
type unaryBase[T any] struct {
	child  operator[T]
	state  indexState
	limits bool
	isOrd  bool
}

func makeUnaryBase[T any](child operator[T], state indexState) unaryBase[T] {
	return unaryBase[T]{
		child:  child,
		state:  state,
		limits: child.limitsParallelism(),
		isOrd:  child.ordered(),
	}
}

func (b *unaryBase[T]) indexState() indexState  { return b.state }
func (b *unaryBase[T]) limitsParallelism() bool { return b.limits }
func (b *unaryBase[T]) ordered() bool           { return b.isOrd }

// pollSeq wraps a sequence with the standard every-64-pulls cancellation
// check used by the sequential fallback path.
func pollSeq[T any](ctx context.Context, seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		var pulls int64
		for v := range seq {
			pulls++
			if pulls&pollInterval == pollInterval {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
			if !yield(v) {
				return
			}
		}
	}
}
