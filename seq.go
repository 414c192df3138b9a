package parquery

import (
	"iter"
	"slices"
)

// Sequential kernels backing every operator's fallback path. They mirror the
// parallel operators' semantics one-to-one over a plain iter.Seq.

func seqMap[T, U any](src iter.Seq[T], fn func(T) U) iter.Seq[U] {
	return func(yield func(U) bool) {
		for v := range src {
			if !yield(fn(v)) {
				return
			}
		}
	}
}

func seqFilter[T any](src iter.Seq[T], pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range src {
			if pred(v) && !yield(v) {
				return
			}
		}
	}
}

func seqMapIndexed[T any](src iter.Seq[T], fn func(int, T) T) iter.Seq[T] {
	return func(yield func(T) bool) {
		idx := 0
		for v := range src {
			if !yield(fn(idx, v)) {
				return
			}
			idx++
		}
	}
}

func seqFilterIndexed[T any](src iter.Seq[T], pred func(int, T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		idx := 0
		for v := range src {
			if pred(idx, v) && !yield(v) {
				return
			}
			idx++
		}
	}
}

func seqPeek[T any](src iter.Seq[T], action func(T)) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range src {
			action(v)
			if !yield(v) {
				return
			}
		}
	}
}

func seqLimit[T any](src iter.Seq[T], n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		count := 0
		for v := range src {
			if count >= n {
				return
			}
			if !yield(v) {
				return
			}
			count++
		}
	}
}

func seqSkip[T any](src iter.Seq[T], n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		count := 0
		for v := range src {
			if count < n {
				count++
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

func seqTakeWhile[T any](src iter.Seq[T], pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range src {
			if !pred(v) {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

func seqDropWhile[T any](src iter.Seq[T], pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		dropping := true
		for v := range src {
			if dropping {
				if pred(v) {
					continue
				}
				dropping = false
			}
			if !yield(v) {
				return
			}
		}
	}
}

func seqReverse[T any](src iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		collected := slices.Collect(src)
		for _, v := range slices.Backward(collected) {
			if !yield(v) {
				return
			}
		}
	}
}

func seqDistinct[T any, K comparable](src iter.Seq[T], keyFn func(T) K) iter.Seq[T] {
	return func(yield func(T) bool) {
		seen := make(map[K]struct{})
		for v := range src {
			k := keyFn(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			if !yield(v) {
				return
			}
		}
	}
}

func seqUnion[T comparable](left, right iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		seen := make(map[T]struct{})
		for _, src := range []iter.Seq[T]{left, right} {
			for v := range src {
				if _, dup := seen[v]; dup {
					continue
				}
				seen[v] = struct{}{}
				if !yield(v) {
					return
				}
			}
		}
	}
}

func seqIntersect[T comparable](left, right iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		lookup := make(map[T]struct{})
		for v := range right {
			lookup[v] = struct{}{}
		}
		for v := range left {
			if _, hit := lookup[v]; !hit {
				continue
			}
			delete(lookup, v)
			if !yield(v) {
				return
			}
		}
	}
}

func seqExcept[T comparable](left, right iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		lookup := make(map[T]struct{})
		for v := range right {
			lookup[v] = struct{}{}
		}
		for v := range left {
			if _, hit := lookup[v]; hit {
				continue
			}
			lookup[v] = struct{}{}
			if !yield(v) {
				return
			}
		}
	}
}

func seqConcat[T any](left, right iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range left {
			if !yield(v) {
				return
			}
		}
		for v := range right {
			if !yield(v) {
				return
			}
		}
	}
}

func seqZip[L, R, O any](left iter.Seq[L], right iter.Seq[R], fn func(L, R) O) iter.Seq[O] {
	return func(yield func(O) bool) {
		nextL, stopL := iter.Pull(left)
		defer stopL()
		nextR, stopR := iter.Pull(right)
		defer stopR()
		for {
			l, okL := nextL()
			r, okR := nextR()
			if !okL || !okR {
				return
			}
			if !yield(fn(l, r)) {
				return
			}
		}
	}
}

func seqFlatMap[T, U any](src iter.Seq[T], fn func(T) iter.Seq[U]) iter.Seq[U] {
	return func(yield func(U) bool) {
		for v := range src {
			for u := range fn(v) {
				if !yield(u) {
					return
				}
			}
		}
	}
}

func seqSorted[T any](src iter.Seq[T], cmp func(a, b T) int) iter.Seq[T] {
	return func(yield func(T) bool) {
		collected := slices.Collect(src)
		slices.SortStableFunc(collected, cmp)
		for _, v := range collected {
			if !yield(v) {
				return
			}
		}
	}
}

func seqDefaultIfEmpty[T any](src iter.Seq[T], def T) iter.Seq[T] {
	return func(yield func(T) bool) {
		empty := true
		for v := range src {
			empty = false
			if !yield(v) {
				return
			}
		}
		if empty {
			yield(def)
		}
	}
}

func seqJoin[L, R any, K comparable, O any](
	left iter.Seq[L], right iter.Seq[R],
	leftKey func(L) K, rightKey func(R) K,
	result func(L, R) O,
) iter.Seq[O] {
	return func(yield func(O) bool) {
		lookup := make(map[K][]R)
		for r := range right {
			k := rightKey(r)
			lookup[k] = append(lookup[k], r)
		}
		for l := range left {
			for _, r := range lookup[leftKey(l)] {
				if !yield(result(l, r)) {
					return
				}
			}
		}
	}
}

func seqGroupJoin[L, R any, K comparable, O any](
	left iter.Seq[L], right iter.Seq[R],
	leftKey func(L) K, rightKey func(R) K,
	result func(L, []R) O,
) iter.Seq[O] {
	return func(yield func(O) bool) {
		lookup := make(map[K][]R)
		for r := range right {
			k := rightKey(r)
			lookup[k] = append(lookup[k], r)
		}
		for l := range left {
			if !yield(result(l, lookup[leftKey(l)])) {
				return
			}
		}
	}
}

func seqGroupBy[T any, K comparable, V any](
	src iter.Seq[T], keyFn func(T) K, valFn func(T) V,
) iter.Seq[Grouping[K, V]] {
	return func(yield func(Grouping[K, V]) bool) {
		var order []K
		groups := make(map[K][]V)
		for v := range src {
			k := keyFn(v)
			if _, seen := groups[k]; !seen {
				order = append(order, k)
			}
			groups[k] = append(groups[k], valFn(v))
		}
		for _, k := range order {
			if !yield(Grouping[K, V]{Key: k, Values: groups[k]}) {
				return
			}
		}
	}
}
