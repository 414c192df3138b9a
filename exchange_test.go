package parquery

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionMod(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(512), distributionMod(1), "smallest power of two at least 503")
	assert.Equal(t, uint32(512), distributionMod(63))
	assert.Equal(t, uint32(1024), distributionMod(600))
}

func TestHasherConsistency(t *testing.T) {
	t.Parallel()
	t.Run("SameKeySameBucket", func(t *testing.T) {
		t.Parallel()
		h := newHasher[int](8)
		for v := range 1000 {
			first := h.bucket(v, 8)
			assert.GreaterOrEqual(t, first, 0)
			assert.Less(t, first, 8)
			for range 3 {
				assert.Equal(t, first, h.bucket(v, 8), "bucket must be deterministic per value")
			}
		}
	})

	t.Run("Strings", func(t *testing.T) {
		t.Parallel()
		h := newHasher[string](4)
		for _, s := range []string{"", "a", "abc", "parquery"} {
			b := h.bucket(s, 4)
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, 4)
			assert.Equal(t, b, h.bucket(s, 4))
		}
	})
}

func TestHashRepartition(t *testing.T) {
	t.Parallel()
	t.Run("EqualValuesMeetInOnePartition", func(t *testing.T) {
		t.Parallel()
		const dop = 4
		ex := testExecutor(t, dop)
		source := make([]int, 400)
		for i := range source {
			source[i] = i % 10
		}
		base := partitionIndexible(ex, len(source), func(i int) int { return source[i] }, false)
		out := hashRepartition(ex, base, newHasher[int](dop), func(v int) int { return v }, false)
		values, _ := drainPartitionsConcurrent(t, out)

		owner := make(map[int]int)
		var total int
		for p := range values {
			for _, v := range values[p] {
				if prev, seen := owner[v]; seen {
					assert.Equal(t, prev, p, "value %d appeared in two partitions", v)
				} else {
					owner[v] = p
				}
				total++
			}
		}
		assert.Equal(t, len(source), total, "exchange conserves elements")
	})

	t.Run("OrderedVariantCarriesKeys", func(t *testing.T) {
		t.Parallel()
		const dop = 3
		ex := testExecutor(t, dop)
		source := []int{7, 7, 8, 9, 7, 8}
		base := partitionIndexible(ex, len(source), func(i int) int { return source[i] }, false)
		out := hashRepartition(ex, base, newHasher[int](dop), func(v int) int { return v }, true)
		values, keys := drainPartitionsConcurrent(t, out)
		for p := range values {
			for j, v := range values[p] {
				// Ordered exchange: the key still names the original slot.
				assert.Equal(t, source[int(keys[p][j].(positionKey))], v)
			}
		}
	})

	t.Run("SinglePartitionPassThrough", func(t *testing.T) {
		t.Parallel()
		ex := testExecutor(t, 1)
		base := partitionIndexible(ex, 5, func(i int) int { return i }, false)
		out := hashRepartition(ex, base, newHasher[int](1), func(v int) int { return v }, false)
		values, _ := drainPartitions(t, out)
		got := slices.Clone(values[0])
		slices.Sort(got)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	})
}

func TestHashRepartitionConcurrent(t *testing.T) {
	t.Parallel()
	// The real protocol: all workers drain concurrently, rendezvous on the
	// countdown, then read their columns. Driven through a public query.
	source := make([]int, 2000)
	for i := range source {
		source[i] = i % 50
	}
	q := Distinct(FromSlice(source)).WithOptions(WithParallelism(8))
	got, err := q.Collect()
	require.NoError(t, err)
	slices.Sort(got)
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}
