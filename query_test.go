package parquery

import (
	"fmt"
	"iter"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDOPs are the degrees of parallelism every end-to-end test sweeps.
var testDOPs = []int{1, 2, 4, 7, 16}

// collectSorted runs the query fully buffered and returns its output sorted,
// for multiset comparisons against unordered results.
func collectSorted(t *testing.T, q Query[int]) []int {
	t.Helper()
	got, err := q.Collect()
	require.NoError(t, err)
	slices.Sort(got)
	return got
}

func TestIdentityMultiset(t *testing.T) {
	t.Parallel()
	source := make([]int, 1000)
	for i := range source {
		source[i] = i % 97
	}
	want := slices.Clone(source)
	slices.Sort(want)
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := FromSlice(source).WithOptions(WithParallelism(dop))
			assert.Equal(t, want, collectSorted(t, q), "identity query must preserve the multiset")
		})
	}
}

func TestOrderedMapEquivalence(t *testing.T) {
	t.Parallel()
	source := make([]int, 500)
	for i := range source {
		source[i] = i
	}
	want := make([]int, len(source))
	for i, v := range source {
		want[i] = v * v
	}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := FromSlice(source).AsOrdered().Map(func(v int) int { return v * v }).
				WithOptions(WithParallelism(dop))
			got, err := q.Collect()
			require.NoError(t, err)
			assert.Equal(t, want, got, "ordered map must match element-wise")
		})
	}
}

func TestOrderedFilterMapSum(t *testing.T) {
	t.Parallel()
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := Range(0, 10).
				Filter(func(v int) bool { return v%2 == 0 }).
				Map(func(v int) int { return v * v }).
				WithOptions(WithParallelism(dop))
			sum, err := Sum(q)
			require.NoError(t, err)
			assert.Equal(t, 120, sum, "0+4+16+36+64")
		})
	}
}

func TestOrderedTakeAfterFilter(t *testing.T) {
	t.Parallel()
	source := []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := FromSlice(source).AsOrdered().
				Filter(func(v int) bool { return v > 20 }).
				Limit(3).
				WithOptions(WithParallelism(dop))
			got, err := q.Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{30, 40, 50}, got, "Limit after Filter keeps the first three survivors")
		})
	}
}

func TestLimitAndSkip(t *testing.T) {
	t.Parallel()
	source := make([]int, 100)
	for i := range source {
		source[i] = i
	}
	seq := FromSeq(slices.Values(source))

	t.Run("OrderedLimit", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			got, err := FromSeq(slices.Values(source)).AsOrdered().Limit(7).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got, "DOP %d", dop)
		}
	})

	t.Run("OrderedSkip", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			got, err := FromSeq(slices.Values(source)).AsOrdered().Skip(95).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{95, 96, 97, 98, 99}, got, "DOP %d", dop)
		}
	})

	t.Run("LimitPastEnd", func(t *testing.T) {
		t.Parallel()
		got, err := FromSeq(slices.Values(source)).AsOrdered().Limit(1000).Collect()
		require.NoError(t, err)
		assert.Len(t, got, 100, "Limit past the end keeps everything")
	})

	t.Run("SkipPastEnd", func(t *testing.T) {
		t.Parallel()
		got, err := FromSeq(slices.Values(source)).AsOrdered().Skip(1000).Collect()
		require.NoError(t, err)
		assert.Empty(t, got, "Skip past the end keeps nothing")
	})

	t.Run("LimitZero", func(t *testing.T) {
		t.Parallel()
		got, err := seq.Limit(0).Collect()
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SkipZeroIsNoop", func(t *testing.T) {
		t.Parallel()
		q := FromSlice(source).AsOrdered()
		assert.Same(t, q.op, q.Skip(0).op, "Skip(0) must not wrap the operator")
	})

	t.Run("NegativeCount", func(t *testing.T) {
		t.Parallel()
		_, err := seq.Limit(-1).Collect()
		assert.ErrorIs(t, err, ErrNegativeCount)
		_, err = seq.Skip(-2).Collect()
		assert.ErrorIs(t, err, ErrNegativeCount)
	})
}

func TestTakeWhileDropWhile(t *testing.T) {
	t.Parallel()
	source := []int{1, 2, 3, 4, 5, 1, 2, 3}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			taken, err := FromSlice(source).AsOrdered().
				TakeWhile(func(v int) bool { return v < 4 }).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3}, taken, "TakeWhile stops at the first failure")

			dropped, err := FromSlice(source).AsOrdered().
				DropWhile(func(v int) bool { return v < 4 }).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{4, 5, 1, 2, 3}, dropped, "DropWhile resumes at the first failure")
		})
	}

	t.Run("PredicateNeverFails", func(t *testing.T) {
		t.Parallel()
		taken, err := FromSlice(source).AsOrdered().
			TakeWhile(func(int) bool { return true }).Collect()
		require.NoError(t, err)
		assert.Equal(t, source, taken)

		dropped, err := FromSlice(source).AsOrdered().
			DropWhile(func(int) bool { return true }).Collect()
		require.NoError(t, err)
		assert.Empty(t, dropped)
	})
}

func TestReverse(t *testing.T) {
	t.Parallel()
	source := []int{1, 2, 3, 4, 5, 6, 7}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			got, err := FromSlice(source).AsOrdered().Reverse().
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{7, 6, 5, 4, 3, 2, 1}, got)
		})
	}

	t.Run("DoubleReverseIsIdentity", func(t *testing.T) {
		t.Parallel()
		got, err := FromSeq(slices.Values(source)).AsOrdered().Reverse().Reverse().Collect()
		require.NoError(t, err)
		assert.Equal(t, source, got)
	})
}

func TestDistinctAndSetOperators(t *testing.T) {
	t.Parallel()
	left := []int{1, 2, 2, 3, 4, 4, 5}
	right := []int{4, 5, 5, 6, 7}

	t.Run("UnionMultiset", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			q := Union(FromSlice(left), FromSlice(right)).WithOptions(WithParallelism(dop))
			assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, collectSorted(t, q), "DOP %d", dop)
		}
	})

	t.Run("Intersect", func(t *testing.T) {
		t.Parallel()
		q := Intersect(FromSlice(left), FromSlice(right))
		assert.Equal(t, []int{4, 5}, collectSorted(t, q))
	})

	t.Run("Except", func(t *testing.T) {
		t.Parallel()
		q := Except(FromSlice(left), FromSlice(right))
		assert.Equal(t, []int{1, 2, 3}, collectSorted(t, q))
	})

	t.Run("DistinctIdempotent", func(t *testing.T) {
		t.Parallel()
		once := collectSorted(t, Distinct(FromSlice(left)))
		twice := collectSorted(t, Distinct(Distinct(FromSlice(left))))
		assert.Equal(t, []int{1, 2, 3, 4, 5}, once)
		assert.Equal(t, once, twice, "distinct must be idempotent")
	})

	t.Run("OrderedDistinctKeepsFirstOccurrence", func(t *testing.T) {
		t.Parallel()
		got, err := Distinct(FromSlice([]int{3, 1, 3, 2, 1, 2}).AsOrdered()).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{3, 1, 2}, got, "earliest occurrence is canonical")
	})

	t.Run("DistinctBy", func(t *testing.T) {
		t.Parallel()
		got, err := DistinctBy(FromSlice([]string{"apple", "avocado", "banana", "blueberry"}).AsOrdered(),
			func(s string) byte { return s[0] }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"apple", "banana"}, got)
	})

	t.Run("EmptySources", func(t *testing.T) {
		t.Parallel()
		got, err := Union(FromSlice([]int{}), FromSlice([]int{})).Collect()
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestConcat(t *testing.T) {
	t.Parallel()
	a := []int{1, 2, 3}
	b := []int{4, 5}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			got, err := Concat(FromSlice(a).AsOrdered(), FromSlice(b)).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3, 4, 5}, got, "ordered concat appends")
		})
	}

	t.Run("OpaqueSides", func(t *testing.T) {
		t.Parallel()
		got, err := Concat(FromSeq(slices.Values(a)).AsOrdered(), FromSeq(slices.Values(b))).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	})
}

func TestZip(t *testing.T) {
	t.Parallel()
	left := []int{1, 2, 3, 4}
	right := []string{"a", "b", "c"}

	t.Run("Indexible", func(t *testing.T) {
		t.Parallel()
		got, err := ZipWith(FromSlice(left).AsOrdered(), FromSlice(right),
			func(l int, r string) string { return fmt.Sprintf("%d%s", l, r) }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"1a", "2b", "3c"}, got, "zip ends with the shorter side")
	})

	t.Run("OpaqueFallsBackSequential", func(t *testing.T) {
		t.Parallel()
		q := ZipWith(FromSeq(slices.Values(left)), FromSeq(slices.Values(right)),
			func(l int, r string) string { return fmt.Sprintf("%d%s", l, r) })
		assert.True(t, q.op.limitsParallelism(), "non-indexible zip advertises limited parallelism")
		got, err := q.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"1a", "2b", "3c"}, got)
	})

	t.Run("PairForm", func(t *testing.T) {
		t.Parallel()
		got, err := Zip(FromSlice(left).AsOrdered(), FromSlice(right)).Collect()
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, NewPair(1, "a"), got[0])
	})
}

func TestJoin(t *testing.T) {
	t.Parallel()
	type rec struct {
		k string
		v int
	}
	left := []rec{{"a", 1}, {"b", 2}, {"a", 3}}
	right := []Pair[string, string]{{First: "a", Second: "X"}, {First: "c", Second: "Y"}}

	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("InnerDOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := Join(FromSlice(left), FromSlice(right),
				func(r rec) string { return r.k },
				func(p Pair[string, string]) string { return p.First },
				func(l rec, r Pair[string, string]) string { return fmt.Sprintf("%d%s", l.v, r.Second) },
			).WithOptions(WithParallelism(dop))
			got, err := q.Collect()
			require.NoError(t, err)
			slices.Sort(got)
			assert.Equal(t, []string{"1X", "3X"}, got, "inner join matches on key")
		})
	}

	t.Run("GroupJoinEmitsEveryLeft", func(t *testing.T) {
		t.Parallel()
		q := GroupJoin(FromSlice(left), FromSlice(right),
			func(r rec) string { return r.k },
			func(p Pair[string, string]) string { return p.First },
			func(l rec, rs []Pair[string, string]) int { return l.v*10 + len(rs) },
		)
		got, err := q.Collect()
		require.NoError(t, err)
		slices.Sort(got)
		assert.Equal(t, []int{11, 20, 31}, got, "one row per left element, zero-match rows included")
	})
}

func TestGroupBy(t *testing.T) {
	t.Parallel()
	source := []int{1, 2, 3, 4, 5, 6, 7, 8, 9}
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := GroupBy(FromSlice(source), func(v int) int { return v % 3 }).
				WithOptions(WithParallelism(dop))
			groups, err := q.Collect()
			require.NoError(t, err)
			require.Len(t, groups, 3)
			byKey := make(map[int][]int)
			for _, g := range groups {
				vals := slices.Clone(g.Values)
				slices.Sort(vals)
				byKey[g.Key] = vals
			}
			assert.Equal(t, []int{3, 6, 9}, byKey[0])
			assert.Equal(t, []int{1, 4, 7}, byKey[1])
			assert.Equal(t, []int{2, 5, 8}, byKey[2])
		})
	}

	t.Run("OrderedGroupsFollowFirstMember", func(t *testing.T) {
		t.Parallel()
		groups, err := GroupBy(FromSlice([]int{5, 1, 4, 2}).AsOrdered(), func(v int) int { return v % 2 }).Collect()
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, 1, groups[0].Key, "group of 5 comes first")
		assert.Equal(t, 0, groups[1].Key)
	})

	t.Run("WithValueSelector", func(t *testing.T) {
		t.Parallel()
		groups, err := GroupBySelect(FromSlice([]int{1, 2, 3}), func(v int) bool { return v%2 == 0 },
			func(v int) int { return v * 10 }).Collect()
		require.NoError(t, err)
		all := make(map[bool][]int)
		for _, g := range groups {
			vals := slices.Clone(g.Values)
			slices.Sort(vals)
			all[g.Key] = vals
		}
		assert.Equal(t, []int{10, 30}, all[false])
		assert.Equal(t, []int{20}, all[true])
	})
}

func TestFlatMap(t *testing.T) {
	t.Parallel()
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			q := FlatMapTo(Range(0, 5).AsOrdered(), func(v int) iter.Seq[int] {
				return slices.Values([]int{v, v * 10})
			}).WithOptions(WithParallelism(dop), WithMerge(MergeFullyBuffered))
			got, err := q.Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{0, 0, 1, 10, 2, 20, 3, 30, 4, 40}, got, "ordered expansion interleaves by source position")
		})
	}

	t.Run("Indexed", func(t *testing.T) {
		t.Parallel()
		q := FlatMapIndexedTo(FromSlice([]string{"a", "b"}).AsOrdered(), func(i int, s string) iter.Seq[string] {
			return slices.Values([]string{fmt.Sprintf("%s%d", s, i)})
		})
		got, err := q.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"a0", "b1"}, got)
	})
}

func TestSorted(t *testing.T) {
	t.Parallel()
	t.Run("ParallelMergesortLarge", func(t *testing.T) {
		t.Parallel()
		source := make([]int, 1000)
		for i := range source {
			source[i] = 999 - i
		}
		want := make([]int, 1000)
		for i := range want {
			want[i] = i
		}
		for _, dop := range testDOPs {
			got, err := FromSlice(source).AsOrdered().
				Sorted(func(a, b int) int { return a - b }).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, want, got, "DOP %d", dop)
		}
	})

	t.Run("StableOnTies", func(t *testing.T) {
		t.Parallel()
		type kv struct {
			k, seq int
		}
		source := make([]kv, 200)
		for i := range source {
			source[i] = kv{k: i % 5, seq: i}
		}
		got, err := MapTo(
			SortedBy(FromSlice(source).AsOrdered(), func(v kv) int { return v.k }).Query,
			func(v kv) kv { return v },
		).Collect()
		require.NoError(t, err)
		for i := 1; i < len(got); i++ {
			if got[i-1].k == got[i].k {
				assert.Less(t, got[i-1].seq, got[i].seq, "equal keys keep encounter order")
			}
		}
	})

	t.Run("ThenBy", func(t *testing.T) {
		t.Parallel()
		type person struct {
			last, first string
		}
		people := []person{{"b", "y"}, {"a", "z"}, {"b", "x"}, {"a", "w"}}
		sorted := ThenBy(
			SortedBy(FromSlice(people), func(p person) string { return p.last }),
			func(p person) string { return p.first },
		)
		got, err := sorted.Collect()
		require.NoError(t, err)
		assert.Equal(t, []person{{"a", "w"}, {"a", "z"}, {"b", "x"}, {"b", "y"}}, got)
	})

	t.Run("Descending", func(t *testing.T) {
		t.Parallel()
		got, err := SortedByDesc(FromSlice([]int{3, 1, 2}), func(v int) int { return v }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2, 1}, got)
	})
}

func TestDefaultIfEmpty(t *testing.T) {
	t.Parallel()
	for _, dop := range testDOPs {
		t.Run(fmt.Sprintf("DOP%d", dop), func(t *testing.T) {
			t.Parallel()
			got, err := FromSeq(slices.Values([]int{})).DefaultIfEmpty(42).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{42}, got, "empty query yields exactly the default")

			kept, err := FromSeq(slices.Values([]int{7})).DefaultIfEmpty(42).
				WithOptions(WithParallelism(dop)).Collect()
			require.NoError(t, err)
			assert.Equal(t, []int{7}, kept, "non-empty query is untouched")
		})
	}
}

func TestForAllAndPeek(t *testing.T) {
	t.Parallel()
	t.Run("ForAllVisitsEverything", func(t *testing.T) {
		t.Parallel()
		var total atomic.Int64
		err := Range(0, 100).WithOptions(WithParallelism(4)).ForAll(func(v int) {
			total.Add(int64(v))
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4950), total.Load())
	})

	t.Run("PeekObservesEveryElement", func(t *testing.T) {
		t.Parallel()
		var count atomic.Int64
		got, err := Range(0, 50).Peek(func(int) { count.Add(1) }).Collect()
		require.NoError(t, err)
		assert.Len(t, got, 50)
		assert.Equal(t, int64(50), count.Load())
	})
}

func TestIndexedOperators(t *testing.T) {
	t.Parallel()
	t.Run("MapIndexed", func(t *testing.T) {
		t.Parallel()
		got, err := FromSlice([]int{10, 20, 30}).AsOrdered().
			MapIndexed(func(i, v int) int { return v + i }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{10, 21, 32}, got)
	})

	t.Run("FilterIndexed", func(t *testing.T) {
		t.Parallel()
		got, err := Range(0, 10).AsOrdered().
			FilterIndexed(func(i, _ int) bool { return i%2 == 0 }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2, 4, 6, 8}, got)
	})

	t.Run("IndexedAfterShuffledKeysStillCorrect", func(t *testing.T) {
		t.Parallel()
		// Distinct shuffles keys; the indexed map must see dense positions
		// again, which forces a collect-and-repartition inside the engine.
		got, err := Distinct(Range(0, 6).AsOrdered()).
			MapIndexed(func(i, v int) int { return i * 100 }).Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 100, 200, 300, 400, 500}, got)
	})
}

func TestSourceSmallerThanDOP(t *testing.T) {
	t.Parallel()
	got, err := FromSlice([]int{1, 2}).AsOrdered().
		Map(func(v int) int { return v * 2 }).
		WithOptions(WithParallelism(16)).Collect()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, got, "empty partitions must not wedge any merge")

	sum, err := Sum(FromSeq(slices.Values([]int{5})).WithOptions(WithParallelism(16)))
	require.NoError(t, err)
	assert.Equal(t, 5, sum)
}

func TestMergeKinds(t *testing.T) {
	t.Parallel()
	source := make([]int, 300)
	for i := range source {
		source[i] = i
	}
	for _, kind := range []MergeKind{MergeNotBuffered, MergeAutoBuffered, MergeFullyBuffered} {
		t.Run(fmt.Sprintf("Kind%d", kind), func(t *testing.T) {
			t.Parallel()
			var got []int
			q := FromSeq(slices.Values(source)).AsOrdered().
				Filter(func(v int) bool { return v%3 == 0 }).
				WithOptions(WithParallelism(4), WithMerge(kind))
			for v, err := range q.Results() {
				require.NoError(t, err)
				got = append(got, v)
			}
			want := make([]int, 0, 100)
			for i := 0; i < 300; i += 3 {
				want = append(want, i)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestEarlyDispose(t *testing.T) {
	t.Parallel()
	q := Range(0, 100000).AsOrdered().WithOptions(WithParallelism(4))
	seen := 0
	for _, err := range q.Results() {
		require.NoError(t, err)
		seen++
		if seen == 10 {
			break
		}
	}
	assert.Equal(t, 10, seen, "breaking the loop disposes the query without error")
}

func TestCustomPartitions(t *testing.T) {
	t.Parallel()
	t.Run("RoundTrip", func(t *testing.T) {
		t.Parallel()
		q := FromPartitions(
			slices.Values([]int{1, 2, 3}),
			slices.Values([]int{4, 5}),
			slices.Values([]int{6}),
		)
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, collectSorted(t, q))
	})

	t.Run("MismatchedParallelism", func(t *testing.T) {
		t.Parallel()
		q := Query[int]{op: &partitionsSource[int]{
			parts: []iter.Seq[int]{slices.Values([]int{1})},
			state: stateShuffled,
		}}
		_, err := q.WithOptions(WithParallelism(2)).Collect()
		assert.ErrorIs(t, err, ErrPartitionCount)
	})

	t.Run("KeyedIncreasing", func(t *testing.T) {
		t.Parallel()
		part := func(keys []int64, vals []int) iter.Seq2[int64, int] {
			return func(yield func(int64, int) bool) {
				for i := range keys {
					if !yield(keys[i], vals[i]) {
						return
					}
				}
			}
		}
		q := FromKeyedPartitions(true,
			part([]int64{0, 2}, []int{10, 30}),
			part([]int64{1, 3}, []int{20, 40}),
		).AsOrdered()
		got, err := q.Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{10, 20, 30, 40}, got, "explicit keys drive the ordered merge")
	})
}
