package parquery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncChannelConservation(t *testing.T) {
	t.Parallel()
	const total = 10000
	ch := newAsyncChannel[int](8, 32)
	cs := testCancelState()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			require.NoError(t, ch.enqueue(i, cs))
		}
		require.NoError(t, ch.flush(cs))
		ch.setDone()
	}()

	var (
		got  []int
		v    int
		open = true
	)
	for open {
		var ok bool
		ok, open = ch.tryDequeue(&v)
		if ok {
			got = append(got, v)
		}
	}
	wg.Wait()
	require.Len(t, got, total, "items dequeued must equal items enqueued")
	for i, v := range got {
		assert.Equal(t, i, v, "SPSC channel preserves producer order")
	}
}

func TestAsyncChannelFlushPartial(t *testing.T) {
	t.Parallel()
	ch := newAsyncChannel[int](4, 128)
	cs := testCancelState()
	require.NoError(t, ch.enqueue(1, cs))
	require.NoError(t, ch.enqueue(2, cs))
	require.NoError(t, ch.flush(cs), "partial chunk must publish on flush")
	ch.setDone()

	var (
		v    int
		got  []int
		open = true
	)
	for open {
		var ok bool
		ok, open = ch.tryDequeue(&v)
		if ok {
			got = append(got, v)
		}
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestAsyncChannelDoneObserved(t *testing.T) {
	t.Parallel()
	ch := newAsyncChannel[int](2, 16)
	ch.setDone()
	var v int
	ok, open := ch.tryDequeue(&v)
	assert.False(t, ok)
	assert.False(t, open, "done is observed exactly when the producer set it")
}

func TestAsyncChannelCancellationUnblocksProducer(t *testing.T) {
	t.Parallel()
	// Capacity one chunk of one element: the second publish must block until
	// cancellation releases it.
	ch := newAsyncChannel[int](1, 1)
	cs := testCancelState()
	require.NoError(t, ch.enqueue(1, cs))

	done := make(chan error, 1)
	go func() {
		done <- ch.enqueue(2, cs)
	}()
	cs.cancelInternally()
	err := <-done
	assert.Error(t, err, "a canceled producer must not stay parked")
}

func TestMergeChunkSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 128, mergeChunkSize[int64](), "128 beats 512/8")
	assert.Equal(t, 512, mergeChunkSize[byte](), "512 bytes of single-byte elements")
}

func TestOrderedQueueStealAndClose(t *testing.T) {
	t.Parallel()
	q := newOrderedQueue[int]()
	cs := testCancelState()

	// Fill past the steal threshold in one put.
	batch := make([]elemKey[int], orderedStealThreshold+10)
	for i := range batch {
		batch[i] = elemKey[int]{value: i, key: positionKey(int64(i))}
	}
	require.NoError(t, q.put(batch, cs))

	stolen, err := q.take(cs)
	require.NoError(t, err)
	assert.Len(t, stolen, orderedStealThreshold+10, "a long backlog is stolen whole")

	q.close()
	rest, err := q.take(cs)
	require.NoError(t, err)
	assert.Empty(t, rest, "closed and empty reads as done")
}

func TestOrderedQueueProducerParks(t *testing.T) {
	t.Parallel()
	q := newOrderedQueue[int]()
	cs := testCancelState()

	big := make([]elemKey[int], orderedParkThreshold)
	require.NoError(t, q.put(big, cs))

	parked := make(chan error, 1)
	go func() {
		parked <- q.put([]elemKey[int]{{value: 1}}, cs)
	}()

	// The consumer stealing the backlog frees the producer.
	stolen, err := q.take(cs)
	require.NoError(t, err)
	assert.Len(t, stolen, orderedParkThreshold)
	require.NoError(t, <-parked)
	q.close()
}
