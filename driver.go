package parquery

import (
	"iter"
	"slices"
)

// Results opens the query lazily: nothing runs until the first advance. Each
// advance yields an element with a nil error; a failed or canceled execution
// yields exactly one trailing (zero, error) pair. Abandoning the loop early
// disposes the query: workers are canceled, waited for, and their
// cancellation-only errors swallowed.
func (q Query[T]) Results() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		settings, err := q.settings.resolved()
		if err != nil {
			yield(zero, err)
			return
		}
		ex := newExecutor(settings)
		if settings.mode == ExecutionDefault && q.op.limitsParallelism() {
			runSequential(ex, q.op, yield)
			return
		}
		res, err := q.op.open(ex, false)
		if err != nil {
			ex.cancel.cancelInternally()
			if final := ex.cancel.classify([]error{err}); final != nil {
				yield(zero, final)
			}
			return
		}
		out := executeMerge(ex, res, q.op.ordered())
		v := new(T)
		for {
			ok, err := out.next(v)
			if err != nil {
				ex.cancel.cancelInternally()
				errs := out.finish()
				if !slices.Contains(errs, err) {
					errs = append(errs, err)
				}
				if final := ex.cancel.classify(errs); final != nil {
					yield(zero, final)
				}
				return
			}
			if !ok {
				break
			}
			if !yield(*v, nil) {
				// Consumer disposed mid-stream: cancel, drain workers,
				// swallow the resulting cancellations.
				ex.cancel.dispose()
				out.finish()
				return
			}
		}
		if final := ex.cancel.classify(out.finish()); final != nil {
			yield(zero, final)
		}
	}
}

// runSequential executes the equivalent sequential query on the caller's
// goroutine. Callback panics become an aggregated error, external
// cancellation becomes a CanceledError, exactly as on the parallel path.
func runSequential[T any](ex *executor, op operator[T], yield func(T, error) bool) {
	var (
		zero     T
		stopped  bool
		panicErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				if isCriticalPanic(r) {
					panic(r)
				}
				panicErr = wrapCallbackPanic(r)
			}
		}()
		for v := range op.sequential(ex.cancel.merged) {
			if !yield(v, nil) {
				stopped = true
				return
			}
		}
	}()
	if stopped {
		return
	}
	switch {
	case panicErr != nil:
		yield(zero, &AggregateError{Errs: []error{panicErr}})
	case ex.cancel.externalCanceled():
		yield(zero, &CanceledError{Ctx: ex.cancel.external})
	}
}

// Collect executes the query to completion and returns every element. It
// forces the fully buffered merge: there is no consumer to pipeline into.
func (q Query[T]) Collect() ([]T, error) {
	q.settings.merge = MergeFullyBuffered
	var result []T
	for v, err := range q.Results() {
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// ForAll executes the query for its side effects only, calling action once
// per element from whichever worker produced it. No merge buffers, no
// ordering; the call returns when every worker has finished.
func (q Query[T]) ForAll(action func(T)) error {
	if action == nil {
		return ErrNilArgument
	}
	settings, err := q.settings.resolved()
	if err != nil {
		return err
	}
	ex := newExecutor(settings)
	if settings.mode == ExecutionDefault && q.op.limitsParallelism() {
		return sequentialFold(ex, q.op, func(v T) bool {
			action(v)
			return true
		})
	}
	res, err := q.op.open(ex, true)
	if err != nil {
		ex.cancel.cancelInternally()
		return ex.cancel.classify([]error{err})
	}
	ps := res.partitioned(ex, true)
	group := newTaskGroup(ex)
	for _, p := range ps.partitions {
		group.spawn(func() error {
			return spoolForEffect(ex, p, action)
		})
	}
	return ex.cancel.classify(group.wait())
}

// openTerminal is the shared front half of every terminal operation: resolve
// settings, decide on the sequential bailout, open the tree.
func openTerminal[T any](q Query[T]) (ex *executor, res *queryResults[T], sequential bool, err error) {
	settings, err := q.settings.resolved()
	if err != nil {
		return nil, nil, false, err
	}
	ex = newExecutor(settings)
	if settings.mode == ExecutionDefault && q.op.limitsParallelism() {
		return ex, nil, true, nil
	}
	res, err = q.op.open(ex, true)
	if err != nil {
		ex.cancel.cancelInternally()
		return nil, nil, false, ex.cancel.classify([]error{err})
	}
	return ex, res, false, nil
}

// runPartitions drives body once per partition on the task group and folds
// the failures into the terminal's error.
func runPartitions[T any](ex *executor, ps *partitionedStream[T], body func(me int, src enumerator[T]) error) error {
	group := newTaskGroup(ex)
	for i, p := range ps.partitions {
		group.spawn(func() error {
			defer p.close()
			return body(i, p)
		})
	}
	return ex.cancel.classify(group.wait())
}

// sequentialFold is the terminal-side fallback loop: iterate sequentially,
// stop when each says so, translate panics and cancellation.
func sequentialFold[T any](ex *executor, op operator[T], each func(T) bool) error {
	var panicErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if isCriticalPanic(r) {
					panic(r)
				}
				panicErr = wrapCallbackPanic(r)
			}
		}()
		for v := range op.sequential(ex.cancel.merged) {
			if !each(v) {
				return
			}
		}
	}()
	switch {
	case panicErr != nil:
		return &AggregateError{Errs: []error{panicErr}}
	case ex.cancel.externalCanceled():
		return &CanceledError{Ctx: ex.cancel.external}
	default:
		return nil
	}
}
