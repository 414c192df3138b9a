package parquery

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	t.Parallel()
	t.Run("AcrossDOPs", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			sum, err := Sum(Range(0, 1001).WithOptions(WithParallelism(dop)))
			require.NoError(t, err)
			assert.Equal(t, 500500, sum, "DOP %d", dop)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		sum, err := Sum(FromSlice([]int{}))
		require.NoError(t, err)
		assert.Zero(t, sum)
	})

	t.Run("OverflowTraps", func(t *testing.T) {
		t.Parallel()
		q := FromSlice([]int64{math.MaxInt64, 1})
		_, err := Sum(q)
		assert.ErrorIs(t, err, ErrOverflow, "integer sum must trap instead of wrapping")
	})

	t.Run("NegativeOverflowTraps", func(t *testing.T) {
		t.Parallel()
		_, err := Sum(FromSlice([]int64{math.MinInt64, -1}))
		assert.ErrorIs(t, err, ErrOverflow)
	})

	t.Run("Unsigned", func(t *testing.T) {
		t.Parallel()
		sum, err := Sum(FromSlice([]uint8{200, 55}))
		require.NoError(t, err)
		assert.Equal(t, uint8(255), sum)
		_, err = Sum(FromSlice([]uint8{200, 56}))
		assert.ErrorIs(t, err, ErrOverflow)
	})
}

func TestSumFloat(t *testing.T) {
	t.Parallel()
	// float32 inputs accumulate in float64, so a sum that would saturate
	// float32 mid-way still comes out right.
	values := []float32{math.MaxFloat32, -math.MaxFloat32, 1.5, 2.5}
	sum, err := SumFloat(FromSlice(values).WithOptions(WithParallelism(1)))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, float64(sum), 1e-6)
}

func TestAverage(t *testing.T) {
	t.Parallel()
	t.Run("Basic", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			avg, err := Average(Range(1, 11).WithOptions(WithParallelism(dop)))
			require.NoError(t, err)
			require.True(t, avg.IsPresent())
			assert.InDelta(t, 5.5, avg.Get(), 1e-9, "DOP %d", dop)
		}
	})

	t.Run("EmptyIsNone", func(t *testing.T) {
		t.Parallel()
		avg, err := Average(FromSlice([]int{}))
		require.NoError(t, err)
		assert.True(t, avg.IsEmpty())
	})
}

func TestMinMax(t *testing.T) {
	t.Parallel()
	t.Run("Ints", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			q := FromSlice([]int{5, 3, 9, 1, 7}).WithOptions(WithParallelism(dop))
			lo, err := Min(q)
			require.NoError(t, err)
			assert.Equal(t, 1, lo.Get(), "DOP %d", dop)
			hi, err := Max(q)
			require.NoError(t, err)
			assert.Equal(t, 9, hi.Get(), "DOP %d", dop)
		}
	})

	t.Run("NaNIsSmallerThanEverything", func(t *testing.T) {
		t.Parallel()
		nan := math.NaN()
		q := FromSlice([]float64{1.0, math.Inf(-1), nan, 2.0})
		lo, err := Min(q)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(lo.Get()), "Min is NaN iff any NaN is present")
		hi, err := Max(q)
		require.NoError(t, err)
		assert.Equal(t, 2.0, hi.Get())
	})

	t.Run("NoNaNMeansFiniteMin", func(t *testing.T) {
		t.Parallel()
		lo, err := Min(FromSlice([]float64{3.5, -2.0, 8.0}))
		require.NoError(t, err)
		assert.Equal(t, -2.0, lo.Get())
	})

	t.Run("EmptyIsNone", func(t *testing.T) {
		t.Parallel()
		lo, err := Min(FromSlice([]int{}))
		require.NoError(t, err)
		assert.True(t, lo.IsEmpty())
	})

	t.Run("ByKey", func(t *testing.T) {
		t.Parallel()
		words := []string{"bb", "a", "dddd", "ccc"}
		shortest, err := MinBy(FromSlice(words), func(s string) int { return len(s) })
		require.NoError(t, err)
		assert.Equal(t, "a", shortest.Get())
		longest, err := MaxBy(FromSlice(words), func(s string) int { return len(s) })
		require.NoError(t, err)
		assert.Equal(t, "dddd", longest.Get())
	})
}

func TestCount(t *testing.T) {
	t.Parallel()
	t.Run("IndexibleFastPath", func(t *testing.T) {
		t.Parallel()
		n, err := Count(Range(0, 12345))
		require.NoError(t, err)
		assert.Equal(t, int64(12345), n)
	})

	t.Run("AfterFilter", func(t *testing.T) {
		t.Parallel()
		for _, dop := range testDOPs {
			q := Range(0, 1000).Filter(func(v int) bool { return v%10 == 0 }).
				WithOptions(WithParallelism(dop))
			n, err := Count(q)
			require.NoError(t, err)
			assert.Equal(t, int64(100), n, "DOP %d", dop)
		}
	})

	t.Run("WithPredicate", func(t *testing.T) {
		t.Parallel()
		n, err := CountMatch(Range(0, 100), func(v int) bool { return v < 10 })
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})
}

func TestNullableAggregations(t *testing.T) {
	t.Parallel()
	ptr := func(v int64) *int64 { return &v }
	values := []*int64{ptr(1), nil, ptr(2), nil, ptr(3)}

	t.Run("SumSkipsNils", func(t *testing.T) {
		t.Parallel()
		sum, err := SumNullable(FromSlice(values))
		require.NoError(t, err)
		assert.Equal(t, int64(6), sum)
	})

	t.Run("AverageSkipsNils", func(t *testing.T) {
		t.Parallel()
		avg, err := AverageNullable(FromSlice(values))
		require.NoError(t, err)
		assert.InDelta(t, 2.0, avg.Get(), 1e-9)
	})

	t.Run("AllNilIsNone", func(t *testing.T) {
		t.Parallel()
		avg, err := AverageNullable(FromSlice([]*int64{nil, nil}))
		require.NoError(t, err)
		assert.True(t, avg.IsEmpty())
		lo, err := MinNullable(FromSlice([]*int64{nil}))
		require.NoError(t, err)
		assert.True(t, lo.IsEmpty())
	})

	t.Run("MinMaxSkipNils", func(t *testing.T) {
		t.Parallel()
		lo, err := MinNullable(FromSlice(values))
		require.NoError(t, err)
		assert.Equal(t, int64(1), lo.Get())
		hi, err := MaxNullable(FromSlice(values))
		require.NoError(t, err)
		assert.Equal(t, int64(3), hi.Get())
	})

	t.Run("FloatNullable", func(t *testing.T) {
		t.Parallel()
		f := func(v float32) *float32 { return &v }
		sum, err := SumFloatNullable(FromSlice([]*float32{f(1.5), nil, f(2.5)}))
		require.NoError(t, err)
		assert.InDelta(t, 4.0, float64(sum), 1e-6)
	})
}

func TestAddChecked(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		a, b  int8
		want  int8
		fails bool
	}{
		{100, 27, 127, false},
		{100, 28, 0, true},
		{-100, -28, -128, false},
		{-100, -29, 0, true},
		{-1, 1, 0, false},
	} {
		t.Run(fmt.Sprintf("%d+%d", tc.a, tc.b), func(t *testing.T) {
			t.Parallel()
			got, err := addChecked(tc.a, tc.b)
			if tc.fails {
				assert.ErrorIs(t, err, ErrOverflow)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
