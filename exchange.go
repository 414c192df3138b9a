package parquery

// Hash-repartition exchange. Every worker bucket-sorts its own input into one
// row of an N x N matrix, signals a countdown, and then reads column "me"
// from every row. Cell (i, j) is written only by worker i before the
// countdown and read only by worker j after it, so the matrix needs no locks.

type exchangeState[T any] struct {
	matrix [][][]elemKey[T]
	latch  *countdownLatch
}

func newExchangeState[T any](n int) *exchangeState[T] {
	m := make([][][]elemKey[T], n)
	for i := range m {
		m[i] = make([][]elemKey[T], n)
	}
	return &exchangeState[T]{
		matrix: m,
		latch:  newCountdownLatch(n),
	}
}

// hashRepartition rewires a partitioned stream so every element lands in the
// partition owning its key's hash bucket. With a single partition the
// exchange degenerates to a pass-through: no matrix, no countdown. The
// ordered variant lets original keys travel with the values; the unordered
// variant re-keys each output partition with fresh ordinals. Either way the
// output's keys are shuffled with respect to the input order.
func hashRepartition[T any, K comparable](
	ex *executor,
	src *partitionedStream[T],
	h hasher[K],
	keyFn func(T) K,
	ordered bool,
) *partitionedStream[T] {
	n := src.degree()
	if n == 1 {
		out := newPartitionedStream[T](1, src.keyCmp, worse(src.state, stateShuffled))
		out.partitions[0] = src.partitions[0]
		return out
	}
	cmp := src.keyCmp
	if !ordered {
		cmp = comparePositions
	}
	shared := newExchangeState[T](n)
	out := newPartitionedStream[T](n, cmp, stateShuffled)
	for i, p := range src.partitions {
		out.partitions[i] = &exchangeEnumerator[T, K]{
			src:     p,
			shared:  shared,
			hash:    h,
			keyFn:   keyFn,
			me:      i,
			workers: n,
			ordered: ordered,
			cancel:  ex.cancel,
		}
	}
	return out
}

type exchangeEnumerator[T any, K comparable] struct {
	src     enumerator[T]
	shared  *exchangeState[T]
	hash    hasher[K]
	keyFn   func(T) K
	me      int
	workers int
	ordered bool
	cancel  *cancelState

	scattered bool
	synced    bool
	row       int
	cell      []elemKey[T]
	cellPos   int
	rekey     int64
	pulls     int64
}

// scatter drains this worker's input into its matrix row. The countdown is
// signaled even when the drain fails; peers must never deadlock waiting for
// a faulted partition, they observe the failure through cancellation instead.
func (e *exchangeEnumerator[T, K]) scatter() (err error) {
	defer e.shared.latch.signal()
	defer func() {
		if r := recover(); r != nil {
			err = wrapCallbackPanic(r)
		}
	}()
	row := e.shared.matrix[e.me]
	var (
		v T
		k OrderKey
	)
	for {
		ok, err := e.src.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		e.pulls++
		if err := e.cancel.poll(e.pulls); err != nil {
			return err
		}
		bucket := e.hash.bucket(e.keyFn(v), e.workers)
		row[bucket] = append(row[bucket], elemKey[T]{value: v, key: k})
	}
	return nil
}

// nextCell advances to the next matrix cell this worker may read: its own
// diagonal entry first (available before the rendezvous), then, after every
// peer has scattered, the remaining rows top to bottom.
func (e *exchangeEnumerator[T, K]) nextCell() (bool, error) {
	if !e.scattered {
		if err := e.scatter(); err != nil {
			e.cancel.cancelInternally()
			return false, err
		}
		e.scattered = true
		e.cell = e.shared.matrix[e.me][e.me]
		e.cellPos = 0
		e.row = -1
		return true, nil
	}
	if !e.synced {
		if err := e.shared.latch.wait(e.cancel); err != nil {
			return false, err
		}
		e.synced = true
		e.row = 0
	} else {
		e.row++
	}
	for ; e.row < e.workers; e.row++ {
		if e.row == e.me {
			continue
		}
		e.cell = e.shared.matrix[e.row][e.me]
		e.cellPos = 0
		return true, nil
	}
	return false, nil
}

func (e *exchangeEnumerator[T, K]) moveNext(value *T, key *OrderKey) (bool, error) {
	for {
		if e.cellPos < len(e.cell) {
			ek := e.cell[e.cellPos]
			e.cellPos++
			*value = ek.value
			if e.ordered {
				*key = ek.key
			} else {
				*key = positionKey(e.rekey)
				e.rekey++
			}
			return true, nil
		}
		if e.scattered && e.synced && e.row >= e.workers {
			return false, nil
		}
		ok, err := e.nextCell()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
}

func (e *exchangeEnumerator[T, K]) close() error {
	e.cell = nil
	return e.src.close()
}
