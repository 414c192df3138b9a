package parquery

import (
	"sync"
	"sync/atomic"
)

// --- Countdown latch ---

// countdownLatch is a single-shot rendezvous: workers signal once each and
// anyone waiting unblocks when the count reaches zero.
type countdownLatch struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newCountdownLatch(n int) *countdownLatch {
	l := &countdownLatch{done: make(chan struct{})}
	l.remaining.Store(int64(n))
	if n <= 0 {
		close(l.done)
	}
	return l
}

// signal records one arrival. The last arrival releases all waiters.
func (l *countdownLatch) signal() {
	if l.remaining.Add(-1) == 0 {
		close(l.done)
	}
}

// wait blocks until every participant has signaled or the query is canceled.
func (l *countdownLatch) wait(cs *cancelState) error {
	select {
	case <-l.done:
		return nil
	case <-cs.merged.Done():
		return cs.err()
	}
}

// --- Two-party barrier ---

// twoPartyBarrier is a reusable rendezvous between exactly two workers. The
// cooperative sort arranges a grid of these, one per merge pairing per phase.
// A send and a receive on the same unbuffered channel pair two arrivals; a
// canceled query releases both sides through the merged token.
type twoPartyBarrier struct {
	ch chan struct{}
}

func newTwoPartyBarrier() *twoPartyBarrier {
	return &twoPartyBarrier{ch: make(chan struct{})}
}

// arrive blocks until the partner also arrives, or until cancellation.
func (b *twoPartyBarrier) arrive(cs *cancelState) error {
	select {
	case b.ch <- struct{}{}:
		return nil
	case <-b.ch:
		return nil
	case <-cs.merged.Done():
		return cs.err()
	}
}

// --- Linked-chunk list ---

// listChunkSize is the element count per chunk of a chunkedList.
const listChunkSize = 128

type listChunk[T any] struct {
	items []T
	next  *listChunk[T]
}

// chunkedList is an append-only buffer that grows in fixed chunks, avoiding
// the copy storms of a single growing slice. Workers use it for the buffering
// phases of Take/Skip and the while operators.
type chunkedList[T any] struct {
	head  *listChunk[T]
	tail  *listChunk[T]
	count int
}

func (l *chunkedList[T]) push(v T) {
	if l.tail == nil || len(l.tail.items) == listChunkSize {
		c := &listChunk[T]{items: make([]T, 0, listChunkSize)}
		if l.tail == nil {
			l.head = c
		} else {
			l.tail.next = c
		}
		l.tail = c
	}
	l.tail.items = append(l.tail.items, v)
	l.count++
}

func (l *chunkedList[T]) len() int {
	return l.count
}

// all walks the list front to back.
func (l *chunkedList[T]) all(visit func(T) bool) {
	for c := l.head; c != nil; c = c.next {
		for i := range c.items {
			if !visit(c.items[i]) {
				return
			}
		}
	}
}

// chunkCursor is a resumable front-to-back walk, for enumerators that yield
// a buffered list one pull at a time.
type chunkCursor[T any] struct {
	chunk *listChunk[T]
	pos   int
}

func (l *chunkedList[T]) cursor() chunkCursor[T] {
	return chunkCursor[T]{chunk: l.head}
}

func (c *chunkCursor[T]) next(v *T) bool {
	for c.chunk != nil {
		if c.pos < len(c.chunk.items) {
			*v = c.chunk.items[c.pos]
			c.pos++
			return true
		}
		c.chunk = c.chunk.next
		c.pos = 0
	}
	return false
}

// --- Bounded max-heap of order keys ---

// boundedMaxHeap keeps the n smallest keys seen so far; its root is the
// current nth-smallest candidate. Take/Skip workers share one instance to
// agree on the global cutoff key. The sift code follows the same shape as
// producerHeap, the ordered pipelined merge's heap in merge.go.
type boundedMaxHeap struct {
	cmp      KeyComparer
	capacity int
	keys     []OrderKey
}

func newBoundedMaxHeap(capacity int, cmp KeyComparer) *boundedMaxHeap {
	return &boundedMaxHeap{
		cmp:      cmp,
		capacity: capacity,
		keys:     make([]OrderKey, 0, capacity),
	}
}

// offer inserts k if it belongs among the n smallest keys, evicting the
// current maximum when full. It reports whether k was accepted.
func (h *boundedMaxHeap) offer(k OrderKey) bool {
	if len(h.keys) < h.capacity {
		h.keys = append(h.keys, k)
		h.up(len(h.keys) - 1)
		return true
	}
	if h.capacity == 0 || h.cmp(k, h.keys[0]) >= 0 {
		return false
	}
	h.keys[0] = k
	h.down(0)
	return true
}

// cutoff returns the heap's maximum and whether the heap is full. Only a
// full heap defines a meaningful cutoff.
func (h *boundedMaxHeap) cutoff() (OrderKey, bool) {
	if len(h.keys) < h.capacity || h.capacity == 0 {
		return nil, false
	}
	return h.keys[0], true
}

func (h *boundedMaxHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.cmp(h.keys[i], h.keys[parent]) <= 0 {
			break
		}
		h.keys[i], h.keys[parent] = h.keys[parent], h.keys[i]
		i = parent
	}
}

func (h *boundedMaxHeap) down(i int) {
	n := len(h.keys)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		largest := left
		if right := left + 1; right < n && h.cmp(h.keys[right], h.keys[left]) > 0 {
			largest = right
		}
		if h.cmp(h.keys[largest], h.keys[i]) <= 0 {
			break
		}
		h.keys[i], h.keys[largest] = h.keys[largest], h.keys[i]
		i = largest
	}
}

// --- Shared result cell ---

// resultCell is the shared cell search operators race on. Workers publish a
// candidate with its key; the comparer decides whether a new candidate
// replaces the current one (smallest key for First, largest for Last).
// Contention is bounded by the worker count, so a coarse mutex suffices.
type resultCell[T any] struct {
	mu    sync.Mutex
	cmp   KeyComparer
	value T
	key   OrderKey
	has   bool
}

func newResultCell[T any](cmp KeyComparer) *resultCell[T] {
	return &resultCell[T]{cmp: cmp}
}

// publishMin installs (v, k) when k is smaller than the current key.
func (c *resultCell[T]) publishMin(v T, k OrderKey) {
	c.mu.Lock()
	if !c.has || c.cmp(k, c.key) < 0 {
		c.value, c.key, c.has = v, k, true
	}
	c.mu.Unlock()
}

// publishMax installs (v, k) when k is larger than the current key.
func (c *resultCell[T]) publishMax(v T, k OrderKey) {
	c.mu.Lock()
	if !c.has || c.cmp(k, c.key) > 0 {
		c.value, c.key, c.has = v, k, true
	}
	c.mu.Unlock()
}

// currentKey returns the published key, if any, for early-exit checks.
func (c *resultCell[T]) currentKey() (OrderKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key, c.has
}

// get returns the published value, if any.
func (c *resultCell[T]) get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.has
}
