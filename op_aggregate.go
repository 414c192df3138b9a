package parquery

import (
	"cmp"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Numeric constraints shared by the aggregation terminals.

// Numeric is a constraint that includes all numeric types.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64
}

// Integer is a constraint for all integer types.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Float is a constraint for floating-point types.
type Float interface {
	~float32 | ~float64
}

// addChecked adds two integers, trapping overflow. The sign test covers
// signed and unsigned operands alike: an unsigned b is always "non-negative"
// and wraps exactly when the sum falls below a.
func addChecked[T Integer](a, b T) (T, error) {
	s := a + b
	if (b >= 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// reduceQuery is the inlined-aggregation harness: every worker folds its own
// partition into one partial, the caller's combine folds the partials. The
// element count travels along for the aggregations that need emptiness or a
// divisor.
func reduceQuery[T, A any](
	q Query[T],
	zero func() A,
	fold func(A, T) (A, error),
	combine func(A, A) (A, error),
) (A, int64, error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return zero(), 0, err
	}
	if sequential {
		acc := zero()
		var (
			count   int64
			foldErr error
		)
		err := sequentialFold(ex, q.op, func(v T) bool {
			if acc, foldErr = fold(acc, v); foldErr != nil {
				return false
			}
			count++
			return true
		})
		if err == nil {
			err = foldErr
		}
		return acc, count, err
	}
	ps := res.partitioned(ex, true)
	var (
		mu      sync.Mutex
		total   = zero()
		count   int64
		combErr error
	)
	err = runPartitions(ex, ps, func(_ int, src enumerator[T]) error {
		local := zero()
		var (
			v     T
			k     OrderKey
			n     int64
			pulls int64
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
			var ferr error
			if local, ferr = fold(local, v); ferr != nil {
				return ferr
			}
			n++
		}
		mu.Lock()
		defer mu.Unlock()
		if combErr == nil {
			total, combErr = combine(total, local)
			count += n
		}
		return nil
	})
	if err != nil {
		return zero(), 0, err
	}
	return total, count, combErr
}

// Count returns the number of elements the query produces. Random-access
// results answer without running workers.
func Count[T any](q Query[T]) (int64, error) {
	ex, res, sequential, err := openTerminal(q)
	if err != nil {
		return 0, err
	}
	if sequential {
		var n int64
		err := sequentialFold(ex, q.op, func(T) bool {
			n++
			return true
		})
		return n, err
	}
	if res.indexible() {
		return int64(res.length), nil
	}
	total := xsync.NewCounter()
	err = runPartitions(ex, res.stream, func(_ int, src enumerator[T]) error {
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
			total.Inc()
		}
	})
	return total.Value(), err
}

// CountMatch counts the elements satisfying the predicate.
func CountMatch[T any](q Query[T], pred func(T) bool) (int64, error) {
	total, _, err := reduceQuery(q,
		func() int64 { return 0 },
		func(acc int64, v T) (int64, error) {
			if pred(v) {
				return acc + 1, nil
			}
			return acc, nil
		},
		func(a, b int64) (int64, error) { return a + b, nil },
	)
	return total, err
}

// Sum adds integer elements, trapping overflow.
func Sum[T Integer](q Query[T]) (T, error) {
	total, _, err := reduceQuery(q,
		func() T { return 0 },
		addChecked[T],
		addChecked[T],
	)
	return total, err
}

// SumFloat adds floating-point elements, accumulating in float64 and
// converting back at the end.
func SumFloat[T Float](q Query[T]) (T, error) {
	total, _, err := reduceQuery(q,
		func() float64 { return 0 },
		func(acc float64, v T) (float64, error) { return acc + float64(v), nil },
		func(a, b float64) (float64, error) { return a + b, nil },
	)
	return T(total), err
}

// Average returns the mean of the elements, or None for an empty query.
// Integer elements widen into the float64 accumulator; the division happens
// once, after the partials are combined.
func Average[T Numeric](q Query[T]) (Optional[float64], error) {
	total, count, err := reduceQuery(q,
		func() float64 { return 0 },
		func(acc float64, v T) (float64, error) { return acc + float64(v), nil },
		func(a, b float64) (float64, error) { return a + b, nil },
	)
	if err != nil {
		return None[float64](), err
	}
	if count == 0 {
		return None[float64](), nil
	}
	return Some(total / float64(count)), nil
}

// minMaxFold folds ordered elements keeping one extreme. cmp.Compare orders
// NaN below every other value, including negative infinity, so Min is NaN
// exactly when a NaN is present and Max ignores NaN unless nothing else
// exists.
func minMaxFold[T cmp.Ordered](q Query[T], wantMin bool) (Optional[T], error) {
	type extreme struct {
		value T
		has   bool
	}
	pick := func(a, b extreme) extreme {
		switch {
		case !a.has:
			return b
		case !b.has:
			return a
		case wantMin == (cmp.Compare(b.value, a.value) < 0):
			return b
		default:
			return a
		}
	}
	result, _, err := reduceQuery(q,
		func() extreme { return extreme{} },
		func(acc extreme, v T) (extreme, error) {
			return pick(acc, extreme{value: v, has: true}), nil
		},
		func(a, b extreme) (extreme, error) { return pick(a, b), nil },
	)
	if err != nil {
		return None[T](), err
	}
	if !result.has {
		return None[T](), nil
	}
	return Some(result.value), nil
}

// Min returns the smallest element, or None for an empty query.
func Min[T cmp.Ordered](q Query[T]) (Optional[T], error) {
	return minMaxFold(q, true)
}

// Max returns the largest element, or None for an empty query.
func Max[T cmp.Ordered](q Query[T]) (Optional[T], error) {
	return minMaxFold(q, false)
}

// MinBy returns the element with the smallest key, or None when empty.
func MinBy[T any, K cmp.Ordered](q Query[T], keyFn func(T) K) (Optional[T], error) {
	return minMaxByFold(q, keyFn, true)
}

// MaxBy returns the element with the largest key, or None when empty.
func MaxBy[T any, K cmp.Ordered](q Query[T], keyFn func(T) K) (Optional[T], error) {
	return minMaxByFold(q, keyFn, false)
}

func minMaxByFold[T any, K cmp.Ordered](q Query[T], keyFn func(T) K, wantMin bool) (Optional[T], error) {
	type extreme struct {
		value T
		key   K
		has   bool
	}
	pick := func(a, b extreme) extreme {
		switch {
		case !a.has:
			return b
		case !b.has:
			return a
		case wantMin == (cmp.Compare(b.key, a.key) < 0):
			return b
		default:
			return a
		}
	}
	result, _, err := reduceQuery(q,
		func() extreme { return extreme{} },
		func(acc extreme, v T) (extreme, error) {
			return pick(acc, extreme{value: v, key: keyFn(v), has: true}), nil
		},
		func(a, b extreme) (extreme, error) { return pick(a, b), nil },
	)
	if err != nil {
		return None[T](), err
	}
	if !result.has {
		return None[T](), nil
	}
	return Some(result.value), nil
}

// --- Nullable aggregations (over *T, skipping nils) ---

// SumNullable adds the non-nil elements, trapping overflow.
func SumNullable[T Integer](q Query[*T]) (T, error) {
	total, _, err := reduceQuery(q,
		func() T { return 0 },
		func(acc T, v *T) (T, error) {
			if v == nil {
				return acc, nil
			}
			return addChecked(acc, *v)
		},
		addChecked[T],
	)
	return total, err
}

// SumFloatNullable adds the non-nil floating-point elements through a
// float64 accumulator.
func SumFloatNullable[T Float](q Query[*T]) (T, error) {
	total, _, err := reduceQuery(q,
		func() float64 { return 0 },
		func(acc float64, v *T) (float64, error) {
			if v == nil {
				return acc, nil
			}
			return acc + float64(*v), nil
		},
		func(a, b float64) (float64, error) { return a + b, nil },
	)
	return T(total), err
}

// AverageNullable returns the mean of the non-nil elements, or None when
// every element is nil or the query is empty.
func AverageNullable[T Numeric](q Query[*T]) (Optional[float64], error) {
	type partial struct {
		sum float64
		n   int64
	}
	result, _, err := reduceQuery(q,
		func() partial { return partial{} },
		func(acc partial, v *T) (partial, error) {
			if v == nil {
				return acc, nil
			}
			return partial{sum: acc.sum + float64(*v), n: acc.n + 1}, nil
		},
		func(a, b partial) (partial, error) {
			return partial{sum: a.sum + b.sum, n: a.n + b.n}, nil
		},
	)
	if err != nil {
		return None[float64](), err
	}
	if result.n == 0 {
		return None[float64](), nil
	}
	return Some(result.sum / float64(result.n)), nil
}

// MinNullable returns the smallest non-nil element, or None.
func MinNullable[T cmp.Ordered](q Query[*T]) (Optional[T], error) {
	return minMaxNullable(q, true)
}

// MaxNullable returns the largest non-nil element, or None.
func MaxNullable[T cmp.Ordered](q Query[*T]) (Optional[T], error) {
	return minMaxNullable(q, false)
}

func minMaxNullable[T cmp.Ordered](q Query[*T], wantMin bool) (Optional[T], error) {
	type extreme struct {
		value T
		has   bool
	}
	pick := func(a, b extreme) extreme {
		switch {
		case !a.has:
			return b
		case !b.has:
			return a
		case wantMin == (cmp.Compare(b.value, a.value) < 0):
			return b
		default:
			return a
		}
	}
	result, _, err := reduceQuery(q,
		func() extreme { return extreme{} },
		func(acc extreme, v *T) (extreme, error) {
			if v == nil {
				return acc, nil
			}
			return pick(acc, extreme{value: *v, has: true}), nil
		},
		func(a, b extreme) (extreme, error) { return pick(a, b), nil },
	)
	if err != nil {
		return None[T](), err
	}
	if !result.has {
		return None[T](), nil
	}
	return Some(result.value), nil
}
