package parquery

// asyncChannelCapacity bounds how many chunks a producer may have in flight.
const asyncChannelCapacity = 512

// mergeChunkSize picks the merge hand-off chunk: 128 elements, or however
// many cover 512 bytes, whichever is larger.
func mergeChunkSize[T any]() int {
	return max(128, stripeChunkSize[T]())
}

// asyncChannel is the bounded single-producer single-consumer chunk channel
// behind the pipelined merge. The producer accumulates a private chunk and
// publishes it whole; a full ring parks the producer, an empty ring parks the
// consumer, both through the channel's own blocking semantics, and both
// unblock on cancellation.
type asyncChannel[T any] struct {
	ch        chan []T
	chunk     []T
	chunkSize int

	// Consumer-side cursor over the chunk currently being drained.
	cur    []T
	curPos int
}

func newAsyncChannel[T any](capacity, chunkSize int) *asyncChannel[T] {
	return &asyncChannel[T]{
		ch:        make(chan []T, capacity),
		chunkSize: chunkSize,
	}
}

// enqueue appends one element, publishing the chunk when it fills.
func (c *asyncChannel[T]) enqueue(v T, cs *cancelState) error {
	if c.chunk == nil {
		c.chunk = make([]T, 0, c.chunkSize)
	}
	c.chunk = append(c.chunk, v)
	if len(c.chunk) == c.chunkSize {
		return c.flush(cs)
	}
	return nil
}

// flush publishes a partial chunk, if any.
func (c *asyncChannel[T]) flush(cs *cancelState) error {
	if len(c.chunk) == 0 {
		return nil
	}
	select {
	case c.ch <- c.chunk:
		c.chunk = nil
		return nil
	case <-cs.merged.Done():
		return cs.err()
	}
}

// setDone marks end-of-stream. The producer must not touch the channel
// afterwards.
func (c *asyncChannel[T]) setDone() {
	close(c.ch)
}

// tryDequeue serves one element without blocking. open=false means the
// producer is done and everything has been drained.
func (c *asyncChannel[T]) tryDequeue(v *T) (ok, open bool) {
	if c.curPos < len(c.cur) {
		*v = c.cur[c.curPos]
		c.curPos++
		return true, true
	}
	select {
	case chunk, more := <-c.ch:
		if !more {
			return false, false
		}
		c.cur, c.curPos = chunk, 1
		*v = chunk[0]
		return true, true
	default:
		return false, true
	}
}

// syncQueue is the unsynchronized FIFO used by the stop-and-go merge: its
// producer runs to completion before the consumer ever looks at it.
type syncQueue[T any] struct {
	items []T
}

func (q *syncQueue[T]) push(v T) {
	q.items = append(q.items, v)
}
