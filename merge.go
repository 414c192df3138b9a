package parquery

import "sync"

// Merge strategies. A merge turns N worker partitions into the single
// sequence the consumer sees. Dispatch depends on whether order must be
// preserved, the buffering option, the quality of the order keys and the
// partition count:
//
//   - indexible results answer directly, no workers at all
//   - one partition is consumed inline
//   - unordered + pipelined: async channels drained round-robin
//   - unordered + fully buffered: stop-and-go into private queues
//   - ordered + fully buffered, or keys too weak to stream: the cooperative
//     parallel mergesort
//   - ordered + pipelined over increasing keys: per-producer queues under a
//     consumer-owned head heap, with steal and park thresholds
//   - for-effect: no output, workers run for their side effects

// mergedOutput is the consumer-facing enumerator a merge produces. finish
// waits for every worker and reports their failures; it must be called
// exactly once, after the consumer is done pulling.
type mergedOutput[T any] interface {
	next(v *T) (bool, error)
	finish() []error
}

const (
	orderedBatchAuto      = 16
	orderedStealThreshold = 1024
	orderedParkThreshold  = 8192
	pipelinedWakeSignals  = 2
)

func executeMerge[T any](ex *executor, res *queryResults[T], ordered bool) mergedOutput[T] {
	if res.indexible() {
		return &indexibleOutput[T]{length: res.length, at: res.at}
	}
	ps := res.stream
	if ps.degree() == 1 && (!ordered || ps.state <= stateIncreasing) {
		return &directOutput[T]{ex: ex, src: ps.partitions[0]}
	}
	fullyBuffered := ex.settings.merge == MergeFullyBuffered
	if ordered {
		if fullyBuffered || ps.state > stateIncreasing {
			return newSortedOutput(ex, ps)
		}
		batch := orderedBatchAuto
		if ex.settings.merge == MergeNotBuffered {
			batch = 1
		}
		return newOrderedPipelinedOutput(ex, ps, batch)
	}
	if fullyBuffered {
		return newStopAndGoOutput(ex, ps)
	}
	return newPipelinedOutput(ex, ps)
}

// --- Indexible ---

type indexibleOutput[T any] struct {
	length int
	at     func(int) T
	pos    int
}

func (o *indexibleOutput[T]) next(v *T) (ok bool, err error) {
	if o.pos >= o.length {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, wrapCallbackPanic(r)
		}
	}()
	*v = o.at(o.pos)
	o.pos++
	return true, nil
}

func (o *indexibleOutput[T]) finish() []error { return nil }

// --- Single partition ---

type directOutput[T any] struct {
	ex    *executor
	src   enumerator[T]
	pulls int64
	errs  []error
}

func (o *directOutput[T]) next(v *T) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, wrapCallbackPanic(r)
		}
	}()
	var k OrderKey
	ok, err = o.src.moveNext(v, &k)
	if err != nil {
		o.errs = append(o.errs, err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	o.pulls++
	if perr := o.ex.cancel.poll(o.pulls); perr != nil {
		o.errs = append(o.errs, perr)
		return false, perr
	}
	return true, nil
}

func (o *directOutput[T]) finish() []error {
	o.src.close()
	return o.errs
}

// --- Default pipelined (unordered) ---

type pipelinedOutput[T any] struct {
	ex        *executor
	group     *taskGroup
	channels  []*asyncChannel[T]
	wake      chan struct{}
	open      []bool
	openCount int
	rr        int
}

func newPipelinedOutput[T any](ex *executor, ps *partitionedStream[T]) *pipelinedOutput[T] {
	n := ps.degree()
	o := &pipelinedOutput[T]{
		ex:        ex,
		group:     newTaskGroup(ex),
		channels:  make([]*asyncChannel[T], n),
		wake:      make(chan struct{}, n*pipelinedWakeSignals),
		open:      make([]bool, n),
		openCount: n,
	}
	chunk := mergeChunkSize[T]()
	for i, p := range ps.partitions {
		ch := newAsyncChannel[T](asyncChannelCapacity, chunk)
		o.channels[i] = ch
		o.open[i] = true
		o.group.spawn(func() error {
			return spoolPipelined(ex, p, ch, o.wake)
		})
	}
	return o
}

func (o *pipelinedOutput[T]) next(v *T) (bool, error) {
	for {
		// Biased round-robin: stick with the last productive channel, fall
		// through the others before parking.
		for scan := range o.channels {
			i := (o.rr + scan) % len(o.channels)
			if !o.open[i] {
				continue
			}
			got, open := o.channels[i].tryDequeue(v)
			if got {
				o.rr = i
				return true, nil
			}
			if !open {
				o.open[i] = false
				o.openCount--
			}
		}
		if o.openCount == 0 {
			return false, nil
		}
		select {
		case <-o.wake:
		case <-o.ex.cancel.merged.Done():
			return false, o.ex.cancel.err()
		}
	}
}

func (o *pipelinedOutput[T]) finish() []error {
	return o.group.wait()
}

// --- Stop-and-go (unordered, fully buffered) ---

type stopAndGoOutput[T any] struct {
	queues []*syncQueue[T]
	errs   []error
	qi     int
	pos    int
}

func newStopAndGoOutput[T any](ex *executor, ps *partitionedStream[T]) *stopAndGoOutput[T] {
	n := ps.degree()
	o := &stopAndGoOutput[T]{queues: make([]*syncQueue[T], n)}
	group := newTaskGroup(ex)
	for i, p := range ps.partitions {
		q := &syncQueue[T]{}
		o.queues[i] = q
		group.spawn(func() error {
			return spoolStopAndGo(ex, p, q)
		})
	}
	o.errs = group.wait()
	return o
}

func (o *stopAndGoOutput[T]) next(v *T) (bool, error) {
	if len(o.errs) > 0 {
		return false, o.errs[0]
	}
	for o.qi < len(o.queues) {
		q := o.queues[o.qi]
		if o.pos < len(q.items) {
			*v = q.items[o.pos]
			o.pos++
			return true, nil
		}
		o.qi++
		o.pos = 0
	}
	return false, nil
}

func (o *stopAndGoOutput[T]) finish() []error { return o.errs }

// --- Order-preserving fully buffered (cooperative sort) ---

type sortedOutput[T any] struct {
	sorted []elemKey[T]
	errs   []error
	pos    int
}

func newSortedOutput[T any](ex *executor, ps *partitionedStream[T]) *sortedOutput[T] {
	n := ps.degree()
	sc := newSortCoordinator[T](ex, ps.keyCmp, n)
	group := newTaskGroup(ex)
	for i, p := range ps.partitions {
		group.spawn(func() error {
			return sc.run(i, p)
		})
	}
	o := &sortedOutput[T]{}
	o.errs = group.wait()
	if len(o.errs) == 0 {
		o.sorted = sc.buffers[0]
	}
	return o
}

func (o *sortedOutput[T]) next(v *T) (bool, error) {
	if len(o.errs) > 0 {
		return false, o.errs[0]
	}
	if o.pos >= len(o.sorted) {
		return false, nil
	}
	*v = o.sorted[o.pos].value
	o.pos++
	return true, nil
}

func (o *sortedOutput[T]) finish() []error { return o.errs }

// --- Order-preserving pipelined ---

// orderedQueue is one producer's hand-off buffer. Producer and consumer meet
// under the queue's own mutex; a producer that races too far ahead parks on
// notFull, a consumer that catches up parks on notEmpty. Cancellation wakes
// every sleeper through the merge's watcher, and every wait rechecks its
// predicate, so broadcast wakeups and spurious wakeups are both harmless.
type orderedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []elemKey[T]
	head     int
	done     bool
}

func newOrderedQueue[T any]() *orderedQueue[T] {
	q := &orderedQueue[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *orderedQueue[T]) put(batch []elemKey[T], cs *cancelState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items)-q.head >= orderedParkThreshold {
		if err := cs.err(); err != nil {
			return err
		}
		q.notFull.Wait()
	}
	q.items = append(q.items, batch...)
	q.notEmpty.Signal()
	return nil
}

func (q *orderedQueue[T]) close() {
	q.mu.Lock()
	q.done = true
	q.notEmpty.Signal()
	q.mu.Unlock()
}

// take hands the consumer the next batch: usually a single element, or the
// whole backlog once it crosses the steal threshold. An empty result means
// the producer finished.
func (q *orderedQueue[T]) take(cs *cancelState) ([]elemKey[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == q.head && !q.done {
		if err := cs.err(); err != nil {
			return nil, err
		}
		q.notEmpty.Wait()
	}
	if len(q.items) == q.head {
		return nil, nil
	}
	var out []elemKey[T]
	if len(q.items)-q.head >= orderedStealThreshold {
		out = q.items[q.head:]
		q.items, q.head = nil, 0
	} else {
		out = q.items[q.head : q.head+1]
		q.head++
		if q.head == len(q.items) {
			q.items, q.head = q.items[:0], 0
		}
	}
	q.notFull.Signal()
	return out, nil
}

// wakeAll releases both sides so they can observe cancellation.
func (q *orderedQueue[T]) wakeAll() {
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// producerEntry is one producer's current head inside the consumer's heap.
type producerEntry[T any] struct {
	item elemKey[T]
	idx  int
}

// producerHeap is the consumer-owned min-heap of producer heads: its top is
// the producer whose next element globally comes first.
type producerHeap[T any] struct {
	entries []producerEntry[T]
	cmp     KeyComparer
}

func (h *producerHeap[T]) push(e producerEntry[T]) {
	h.entries = append(h.entries, e)
	i := len(h.entries) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.cmp(h.entries[i].item.key, h.entries[parent].item.key) >= 0 {
			break
		}
		h.entries[i], h.entries[parent] = h.entries[parent], h.entries[i]
		i = parent
	}
}

func (h *producerHeap[T]) pop() producerEntry[T] {
	top := h.entries[0]
	n := len(h.entries) - 1
	h.entries[0] = h.entries[n]
	h.entries = h.entries[:n]
	i := 0
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.cmp(h.entries[right].item.key, h.entries[left].item.key) < 0 {
			smallest = right
		}
		if h.cmp(h.entries[smallest].item.key, h.entries[i].item.key) >= 0 {
			break
		}
		h.entries[i], h.entries[smallest] = h.entries[smallest], h.entries[i]
		i = smallest
	}
	return top
}

type orderedPipelinedOutput[T any] struct {
	ex      *executor
	group   *taskGroup
	queues  []*orderedQueue[T]
	stash   [][]elemKey[T]
	heap    producerHeap[T]
	started bool
	watch   chan struct{}
}

func newOrderedPipelinedOutput[T any](ex *executor, ps *partitionedStream[T], batch int) *orderedPipelinedOutput[T] {
	n := ps.degree()
	o := &orderedPipelinedOutput[T]{
		ex:     ex,
		group:  newTaskGroup(ex),
		queues: make([]*orderedQueue[T], n),
		stash:  make([][]elemKey[T], n),
		heap:   producerHeap[T]{cmp: ps.keyCmp},
		watch:  make(chan struct{}),
	}
	for i, p := range ps.partitions {
		q := newOrderedQueue[T]()
		o.queues[i] = q
		o.group.spawn(func() error {
			return spoolOrdered(ex, p, q, batch)
		})
	}
	// Cancellation must pulse every queue so parked producers and a parked
	// consumer can observe it and quit.
	go func() {
		select {
		case <-ex.cancel.merged.Done():
			for _, q := range o.queues {
				q.wakeAll()
			}
		case <-o.watch:
		}
	}()
	return o
}

// fetch pulls producer idx's next element, serving from the stolen stash
// when one is held.
func (o *orderedPipelinedOutput[T]) fetch(idx int) (elemKey[T], bool, error) {
	if len(o.stash[idx]) > 0 {
		ek := o.stash[idx][0]
		o.stash[idx] = o.stash[idx][1:]
		return ek, true, nil
	}
	batch, err := o.queues[idx].take(o.ex.cancel)
	if err != nil {
		return elemKey[T]{}, false, err
	}
	if len(batch) == 0 {
		return elemKey[T]{}, false, nil
	}
	o.stash[idx] = batch[1:]
	return batch[0], true, nil
}

func (o *orderedPipelinedOutput[T]) next(v *T) (bool, error) {
	if !o.started {
		o.started = true
		for i := range o.queues {
			ek, ok, err := o.fetch(i)
			if err != nil {
				return false, err
			}
			if ok {
				o.heap.push(producerEntry[T]{item: ek, idx: i})
			}
		}
	}
	if len(o.heap.entries) == 0 {
		return false, nil
	}
	top := o.heap.pop()
	*v = top.item.value
	ek, ok, err := o.fetch(top.idx)
	if err != nil {
		return false, err
	}
	if ok {
		o.heap.push(producerEntry[T]{item: ek, idx: top.idx})
	}
	return true, nil
}

func (o *orderedPipelinedOutput[T]) finish() []error {
	errs := o.group.wait()
	close(o.watch)
	return errs
}

// spoolOrdered is the producer side of the order-preserving pipelined merge:
// batched hand-offs into the producer's own queue.
func spoolOrdered[T any](ex *executor, src enumerator[T], q *orderedQueue[T], batchSize int) error {
	defer q.close()
	defer src.close()
	var (
		v     T
		k     OrderKey
		batch []elemKey[T]
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
		batch = append(batch, elemKey[T]{value: v, key: k})
		if len(batch) >= batchSize {
			if err := q.put(batch, ex.cancel); err != nil {
				return err
			}
			batch = batch[:0:0]
		}
	}
	if len(batch) > 0 {
		return q.put(batch, ex.cancel)
	}
	return nil
}
