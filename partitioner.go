package parquery

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// defaultChunkSize caps the chunk a worker pulls from an opaque source.
	defaultChunkSize = 512
	// chunkDoubleEvery controls how fast opaque-source chunks grow: the
	// chunk size doubles after every 7 chunks until it hits the cap.
	chunkDoubleEvery = 7
)

// stripeChunkSize picks the striping chunk so one chunk covers roughly 512
// bytes of elements, never less than one element.
func stripeChunkSize[T any]() int {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size <= 0 {
		return defaultChunkSize
	}
	return max(512/size, 1)
}

// partitionIndexible splits a random-access source into the execution's
// worker count, either as contiguous ranges or as interleaved stripes.
// Stripes trade sequential locality for cache friendliness when consumers
// interleave partitions.
func partitionIndexible[T any](ex *executor, length int, at func(int) T, preferStriping bool) *partitionedStream[T] {
	n := ex.dop()
	ps := newPartitionedStream[T](n, comparePositions, stateIndexible)
	if preferStriping {
		chunk := stripeChunkSize[T]()
		for i := range n {
			ps.partitions[i] = &stripedEnumerator[T]{
				at:      at,
				length:  length,
				chunk:   chunk,
				workers: n,
				me:      i,
				cancel:  ex.cancel,
			}
		}
		return ps
	}
	// Partition i owns [i*(length/n) + min(i, r), (i+1)*(length/n) + min(i+1, r)),
	// r = length mod n, spreading the remainder over the leading partitions.
	quot, rem := length/n, length%n
	for i := range n {
		begin := i*quot + min(i, rem)
		end := (i+1)*quot + min(i+1, rem)
		ps.partitions[i] = &rangeEnumerator[T]{
			at:     at,
			index:  begin,
			end:    end,
			cancel: ex.cancel,
		}
	}
	return ps
}

// rangeEnumerator walks a contiguous index range of a random-access source.
type rangeEnumerator[T any] struct {
	at     func(int) T
	index  int
	end    int
	cancel *cancelState
	pulls  int64
}

func (e *rangeEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if e.index >= e.end {
		return false, nil
	}
	e.pulls++
	if err := e.cancel.poll(e.pulls); err != nil {
		return false, err
	}
	*value = e.at(e.index)
	*key = positionKey(e.index)
	e.index++
	return true, nil
}

func (e *rangeEnumerator[T]) close() error {
	e.index = e.end
	return nil
}

// stripedEnumerator walks a random-access source in chunk-sized stripes:
// partition i in section s owns indices [s*n*c + i*c, s*n*c + (i+1)*c).
type stripedEnumerator[T any] struct {
	at      func(int) T
	length  int
	chunk   int
	workers int
	me      int
	section int
	offset  int
	cancel  *cancelState
	pulls   int64
}

func (e *stripedEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	for {
		idx := e.section*e.workers*e.chunk + e.me*e.chunk + e.offset
		if idx >= e.length {
			return false, nil
		}
		if e.offset >= e.chunk {
			e.section++
			e.offset = 0
			continue
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return false, err
		}
		*value = e.at(idx)
		*key = positionKey(idx)
		e.offset++
		if e.offset == e.chunk {
			e.section++
			e.offset = 0
		}
		return true, nil
	}
}

func (e *stripedEnumerator[T]) close() error {
	e.length = 0
	return nil
}

// --- Opaque-sequence partitioner ---

// sharedPuller serializes access to a single underlying iterator and hands
// out consecutively keyed chunks. This is the only place the engine allows
// contention on the input. The iterator is torn down exactly once, when the
// last live worker enumerator closes. A panic inside the source marks the
// puller failed: the faulting worker carries the error out, every other
// worker sees end-of-stream on its next chunk request.
type sharedPuller[T any] struct {
	mu     sync.Mutex
	next   func() (T, bool)
	stop   func()
	index  int64
	done   bool
	failed bool
	refs   atomic.Int32
}

func newSharedPuller[T any](seq iter.Seq[T], refs int) *sharedPuller[T] {
	next, stop := iter.Pull(seq)
	p := &sharedPuller[T]{next: next, stop: stop}
	p.refs.Store(int32(refs))
	return p
}

// fill pulls up to len(buf) elements, returning how many were produced and
// the key of the first one.
func (p *sharedPuller[T]) fill(buf []T) (n int, first int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.failed {
		return 0, 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			p.failed = true
			err = wrapCallbackPanic(r)
		}
	}()
	first = p.index
	for n < len(buf) {
		v, ok := p.next()
		if !ok {
			p.done = true
			break
		}
		buf[n] = v
		n++
		p.index++
	}
	return n, first, nil
}

// release drops one worker reference, stopping the iterator with the last.
func (p *sharedPuller[T]) release() {
	if p.refs.Add(-1) == 0 {
		p.mu.Lock()
		p.stop()
		p.mu.Unlock()
	}
}

// chunkEnumerator is one worker's view of a sharedPuller. Chunks start at a
// single element and double every few requests so short queries stay fair
// and long ones amortize the lock.
type chunkEnumerator[T any] struct {
	puller    *sharedPuller[T]
	buf       []T
	bufPos    int
	bufLen    int
	firstKey  int64
	chunkSize int
	chunks    int
	cancel    *cancelState
	pulls     int64
	closed    bool
}

func newChunkEnumerator[T any](p *sharedPuller[T], cancel *cancelState) *chunkEnumerator[T] {
	return &chunkEnumerator[T]{puller: p, chunkSize: 1, cancel: cancel}
}

func (e *chunkEnumerator[T]) moveNext(value *T, key *OrderKey) (bool, error) {
	if e.bufPos >= e.bufLen {
		if e.closed {
			return false, nil
		}
		if cap(e.buf) < e.chunkSize {
			e.buf = make([]T, e.chunkSize)
		}
		n, first, err := e.puller.fill(e.buf[:e.chunkSize])
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		e.bufPos, e.bufLen, e.firstKey = 0, n, first
		e.chunks++
		if e.chunks%chunkDoubleEvery == 0 && e.chunkSize < defaultChunkSize {
			e.chunkSize = min(e.chunkSize*2, defaultChunkSize)
		}
	}
	e.pulls++
	if err := e.cancel.poll(e.pulls); err != nil {
		return false, err
	}
	*value = e.buf[e.bufPos]
	*key = positionKey(e.firstKey + int64(e.bufPos))
	e.bufPos++
	return true, nil
}

func (e *chunkEnumerator[T]) close() error {
	if !e.closed {
		e.closed = true
		e.bufPos, e.bufLen = 0, 0
		e.puller.release()
	}
	return nil
}

// --- Source operators ---

// sliceSource exposes a slice as an indexible query source.
type sliceSource[T any] struct {
	values []T
	isOrd  bool
}

func (s *sliceSource[T]) open(*executor, bool) (*queryResults[T], error) {
	return indexibleResults(len(s.values), func(i int) T { return s.values[i] }), nil
}

func (s *sliceSource[T]) sequential(ctx context.Context) iter.Seq[T] {
	return pollSeq(ctx, slices.Values(s.values))
}

func (s *sliceSource[T]) indexState() indexState  { return stateIndexible }
func (s *sliceSource[T]) limitsParallelism() bool { return false }
func (s *sliceSource[T]) ordered() bool           { return s.isOrd }

// seqSource exposes an opaque sequence, partitioned through a sharedPuller.
type seqSource[T any] struct {
	seq   iter.Seq[T]
	isOrd bool
}

func (s *seqSource[T]) open(ex *executor, _ bool) (*queryResults[T], error) {
	n := ex.dop()
	puller := newSharedPuller(s.seq, n)
	ps := newPartitionedStream[T](n, comparePositions, stateCorrect)
	for i := range n {
		ps.partitions[i] = newChunkEnumerator(puller, ex.cancel)
	}
	return streamResults(ps), nil
}

func (s *seqSource[T]) sequential(ctx context.Context) iter.Seq[T] {
	return pollSeq(ctx, s.seq)
}

func (s *seqSource[T]) indexState() indexState  { return stateCorrect }
func (s *seqSource[T]) limitsParallelism() bool { return false }
func (s *seqSource[T]) ordered() bool           { return s.isOrd }

// partitionsSource wraps caller-supplied partitions. The partition count
// fixes the usable degree of parallelism; opening with a mismatched setting
// is an error.
type partitionsSource[T any] struct {
	parts []iter.Seq[T]
	keyed []iter.Seq2[int64, T]
	state indexState
	isOrd bool
}

func (s *partitionsSource[T]) count() int {
	if s.keyed != nil {
		return len(s.keyed)
	}
	return len(s.parts)
}

func (s *partitionsSource[T]) open(ex *executor, _ bool) (*queryResults[T], error) {
	n := s.count()
	if ex.dop() != n {
		return nil, ErrPartitionCount
	}
	ps := newPartitionedStream[T](n, comparePositions, s.state)
	for i := range n {
		if s.keyed != nil {
			next, stop := iter.Pull2(s.keyed[i])
			ps.partitions[i] = &pullEnumerator[T]{
				next:   func() (T, int64, bool) { k, v, ok := next(); return v, k, ok },
				stop:   stop,
				cancel: ex.cancel,
			}
		} else {
			next, stop := iter.Pull(s.parts[i])
			ordinal := int64(0)
			ps.partitions[i] = &pullEnumerator[T]{
				next: func() (T, int64, bool) {
					v, ok := next()
					k := ordinal
					ordinal++
					return v, k, ok
				},
				stop:   stop,
				cancel: ex.cancel,
			}
		}
	}
	return streamResults(ps), nil
}

func (s *partitionsSource[T]) sequential(ctx context.Context) iter.Seq[T] {
	return pollSeq(ctx, func(yield func(T) bool) {
		if s.keyed != nil {
			for _, part := range s.keyed {
				for _, v := range part {
					if !yield(v) {
						return
					}
				}
			}
			return
		}
		for _, part := range s.parts {
			for v := range part {
				if !yield(v) {
					return
				}
			}
		}
	})
}

func (s *partitionsSource[T]) indexState() indexState  { return s.state }
func (s *partitionsSource[T]) limitsParallelism() bool { return false }
func (s *partitionsSource[T]) ordered() bool           { return s.isOrd }

// pullEnumerator adapts a pull function to the enumerator contract.
type pullEnumerator[T any] struct {
	next   func() (T, int64, bool)
	stop   func()
	cancel *cancelState
	pulls  int64
	closed bool
}

func (e *pullEnumerator[T]) moveNext(value *T, key *OrderKey) (ok bool, err error) {
	if e.closed {
		return false, nil
	}
	e.pulls++
	if err := e.cancel.poll(e.pulls); err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, wrapCallbackPanic(r)
		}
	}()
	v, k, more := e.next()
	if !more {
		return false, nil
	}
	*value = v
	*key = positionKey(k)
	return true, nil
}

func (e *pullEnumerator[T]) close() error {
	if !e.closed {
		e.closed = true
		e.stop()
	}
	return nil
}
