package parquery

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Search terminals. Every worker scans its own partition; a shared result
// cell and the task-group join decide the winner. Unordered searches also
// share a found flag that lets losing workers stop within one poll interval.

// searchFirst returns the match with the smallest order key, or the first
// match found when order is not observable.
func searchFirst[T any](q Query[T], pred func(T) bool) (Optional[T], error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return None[T](), err
	}
	if sequential {
		var result Optional[T]
		err := sequentialFold(ex, q.op, func(v T) bool {
			if pred(v) {
				result = Some(v)
				return false
			}
			return true
		})
		return result, err
	}
	ps := res.partitioned(ex, true)
	cell := newResultCell[T](ps.keyCmp)
	var found atomic.Bool
	ordered := q.op.ordered()
	increasing := ps.state <= stateIncreasing
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v     T
			k     OrderKey
			pulls int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if !ok || err != nil {
				return err
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if pred(v) {
				cell.publishMin(v, k)
				found.Store(true)
				// With keys increasing within the partition, a worker's
				// first match carries its smallest matching key, so it is
				// done; otherwise a later match may carry a smaller key.
				if !ordered || increasing {
					return nil
				}
			}
			if !ordered && pulls&pollInterval == pollInterval && found.Load() {
				return nil
			}
		}
	})
	if err != nil {
		return None[T](), err
	}
	if v, ok := cell.get(); ok {
		return Some(v), nil
	}
	return None[T](), nil
}

// searchLast returns the match with the largest order key. Workers must scan
// their partitions fully; any later element could still win.
func searchLast[T any](q Query[T], pred func(T) bool) (Optional[T], error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return None[T](), err
	}
	if sequential {
		var result Optional[T]
		err := sequentialFold(ex, q.op, func(v T) bool {
			if pred(v) {
				result = Some(v)
			}
			return true
		})
		return result, err
	}
	ps := res.partitioned(ex, true)
	cell := newResultCell[T](ps.keyCmp)
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v       T
			k       OrderKey
			lastV   T
			lastK   OrderKey
			matched bool
			pulls   int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if pred(v) && (!matched || ps.keyCmp(k, lastK) > 0) {
				lastV, lastK, matched = v, k, true
			}
		}
		if matched {
			cell.publishMax(lastV, lastK)
		}
		return nil
	})
	if err != nil {
		return None[T](), err
	}
	if v, ok := cell.get(); ok {
		return Some(v), nil
	}
	return None[T](), nil
}

// searchSingle returns the sole match. Workers count matches globally and
// abandon the scan once a second one shows up anywhere.
func searchSingle[T any](q Query[T], pred func(T) bool) (T, error) {
	var zero T
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return zero, err
	}
	if sequential {
		var (
			result  T
			matches int
		)
		err := sequentialFold(ex, q.op, func(v T) bool {
			if pred(v) {
				result = v
				matches++
			}
			return matches <= 1
		})
		if err != nil {
			return zero, err
		}
		switch {
		case matches == 0:
			return zero, ErrEmptySequence
		case matches > 1:
			return zero, ErrMoreThanOneElement
		default:
			return result, nil
		}
	}
	ps := res.partitioned(ex, true)
	cell := newResultCell[T](ps.keyCmp)
	matches := xsync.NewCounter()
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v     T
			k     OrderKey
			pulls int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if !ok || err != nil {
				return err
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if pred(v) {
				cell.publishMin(v, k)
				if matches.Inc(); matches.Value() > 1 {
					return nil
				}
			}
			if pulls&pollInterval == pollInterval && matches.Value() > 1 {
				return nil
			}
		}
	})
	if err != nil {
		return zero, err
	}
	switch n := matches.Value(); {
	case n == 0:
		return zero, ErrEmptySequence
	case n > 1:
		return zero, ErrMoreThanOneElement
	default:
		v, _ := cell.get()
		return v, nil
	}
}

// searchElementAt returns the element at ordinal position i. Indexible
// results answer directly; otherwise workers hunt for the matching dense key.
func searchElementAt[T any](q Query[T], index int) (T, error) {
	var zero T
	if index < 0 {
		return zero, ErrIndexOutOfRange
	}
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return zero, err
	}
	if sequential {
		var (
			result T
			found  bool
			pos    int
		)
		err := sequentialFold(ex, q.op, func(v T) bool {
			if pos == index {
				result, found = v, true
				return false
			}
			pos++
			return true
		})
		if err != nil {
			return zero, err
		}
		if !found {
			return zero, ErrIndexOutOfRange
		}
		return result, nil
	}
	if !res.indexible() && res.stream.state > stateCorrect {
		if res, err = prematureMerge(ex, res.stream, q.op.ordered()); err != nil {
			ex.cancel.cancelInternally()
			return zero, ex.cancel.classify([]error{err})
		}
	}
	if res.indexible() {
		if index >= res.length {
			return zero, ErrIndexOutOfRange
		}
		return res.at(index), nil
	}
	ps := res.stream
	cell := newResultCell[T](ps.keyCmp)
	var found atomic.Bool
	target := positionKey(index)
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v     T
			k     OrderKey
			pulls int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if !ok || err != nil {
				return err
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if k.(positionKey) == target {
				cell.publishMin(v, k)
				found.Store(true)
				return nil
			}
			if pulls&pollInterval == pollInterval && found.Load() {
				return nil
			}
		}
	})
	if err != nil {
		return zero, err
	}
	if v, ok := cell.get(); ok {
		return v, nil
	}
	return zero, ErrIndexOutOfRange
}

// searchAny reports whether any element matches. Workers race to flip one
// flag and everyone else quits at the next poll.
func searchAny[T any](q Query[T], pred func(T) bool) (bool, error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return false, err
	}
	if sequential {
		result := false
		err := sequentialFold(ex, q.op, func(v T) bool {
			if pred(v) {
				result = true
				return false
			}
			return true
		})
		return result, err
	}
	ps := res.partitioned(ex, true)
	var outcome atomic.Bool
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v     T
			k     OrderKey
			pulls int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if !ok || err != nil {
				return err
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if pred(v) {
				outcome.Store(true)
				return nil
			}
			if pulls&pollInterval == pollInterval && outcome.Load() {
				return nil
			}
		}
	})
	return outcome.Load(), err
}

// searchAll reports whether every element matches; the shared flag tracks a
// violation instead of a hit.
func searchAll[T any](q Query[T], pred func(T) bool) (bool, error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return false, err
	}
	if sequential {
		result := true
		err := sequentialFold(ex, q.op, func(v T) bool {
			if !pred(v) {
				result = false
				return false
			}
			return true
		})
		return result, err
	}
	ps := res.partitioned(ex, true)
	var violated atomic.Bool
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		var (
			v     T
			k     OrderKey
			pulls int64
		)
		for {
			ok, err := src.moveNext(&v, &k)
			if !ok || err != nil {
				return err
			}
			pulls++
			if err := ex.cancel.poll(pulls); err != nil {
				return err
			}
			if !pred(v) {
				violated.Store(true)
				return nil
			}
			if pulls&pollInterval == pollInterval && violated.Load() {
				return nil
			}
		}
	})
	return !violated.Load(), err
}
