package parquery

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()
	s, err := Settings{}.resolved()
	require.NoError(t, err)
	assert.Equal(t, min(runtime.NumCPU(), maxParallelism), s.parallelism, "default DOP is min(NumCPU, 63)")
	assert.Equal(t, MergeAutoBuffered, s.merge, "default merge is AutoBuffered")
	assert.Equal(t, ExecutionDefault, s.mode)
	assert.NotNil(t, s.ctx)
	assert.NotNil(t, s.scheduler)
	assert.NotEqual(t, [16]byte{}, [16]byte(s.queryID), "every execution gets a query id")
}

func TestSettingsDuplicateDetection(t *testing.T) {
	t.Parallel()
	t.Run("SameFieldTwice", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).
			WithOptions(WithParallelism(2), WithParallelism(3)).Collect()
		assert.ErrorIs(t, err, ErrDuplicateSetting)
	})

	t.Run("AcrossChainedCalls", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).
			WithOptions(WithMerge(MergeNotBuffered)).
			WithOptions(WithMerge(MergeFullyBuffered)).Collect()
		assert.ErrorIs(t, err, ErrDuplicateSetting)
	})

	t.Run("AcrossBinaryBranches", func(t *testing.T) {
		t.Parallel()
		left := FromSlice([]int{1}).WithOptions(WithParallelism(2))
		right := FromSlice([]int{2}).WithOptions(WithParallelism(2))
		_, err := Concat(left, right).Collect()
		assert.ErrorIs(t, err, ErrDuplicateSetting)
	})

	t.Run("DistinctFieldsMerge", func(t *testing.T) {
		t.Parallel()
		left := FromSlice([]int{1}).WithOptions(WithParallelism(2))
		right := FromSlice([]int{2}).WithOptions(WithMerge(MergeFullyBuffered))
		got, err := Concat(left, right).Collect()
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestSettingsValidation(t *testing.T) {
	t.Parallel()
	t.Run("ParallelismTooLarge", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).WithOptions(WithParallelism(64)).Collect()
		assert.ErrorIs(t, err, ErrParallelismRange)
	})

	t.Run("ParallelismTooSmall", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).WithOptions(WithParallelism(0)).Collect()
		assert.ErrorIs(t, err, ErrParallelismRange)
	})

	t.Run("NilContext", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).WithOptions(WithContext(nil)).Collect()
		assert.ErrorIs(t, err, ErrNilArgument)
	})

	t.Run("NilScheduler", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).WithOptions(WithScheduler(nil)).Collect()
		assert.ErrorIs(t, err, ErrNilArgument)
	})

	t.Run("NilCallback", func(t *testing.T) {
		t.Parallel()
		_, err := FromSlice([]int{1}).Filter(nil).Collect()
		assert.ErrorIs(t, err, ErrNilArgument)
	})
}

// countingScheduler counts submissions before delegating to goroutines.
type countingScheduler struct {
	mu    sync.Mutex
	tasks int
}

func (s *countingScheduler) Submit(task func()) {
	s.mu.Lock()
	s.tasks++
	s.mu.Unlock()
	go task()
}

func TestCustomScheduler(t *testing.T) {
	t.Parallel()
	sched := &countingScheduler{}
	// An opaque source keeps the query off the indexible fast path, so the
	// merge actually dispatches worker tasks.
	q := FromSeq(Range(0, 100).op.sequential(context.Background())).
		WithOptions(WithParallelism(4), WithScheduler(sched))
	sum, err := Sum(q)
	require.NoError(t, err)
	assert.Equal(t, 4950, sum)
	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, 4, sched.tasks, "one task per partition")
}

func TestForceParallelismRunsLimitedOperators(t *testing.T) {
	t.Parallel()
	left := []int{1, 2, 3}
	right := []string{"a", "b", "c"}
	q := ZipWith(FromSeq(sliceSeq(left)), FromSeq(sliceSeq(right)),
		func(l int, r string) int { return l + len(r) }).
		WithOptions(WithExecutionMode(ForceParallelism))
	got, err := q.Collect()
	require.NoError(t, err)
	assert.Len(t, got, 3, "forced parallel zip collects both sides and pairs them")
}

// sliceSeq adapts a slice to iter.Seq without exposing its random access.
func sliceSeq[T any](values []T) func(func(T) bool) {
	return func(yield func(T) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}
}
