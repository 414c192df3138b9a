package parquery

import "math/bits"

// Cooperative parallel mergesort. Phase one: every worker drains its own
// partition and quicksorts it in place by the stream's key comparer. Phase
// two: log2(N) pairwise merge rounds. In round p workers whose index is a
// multiple of 2^p still own data; pairs (lo, lo+2^p) rendezvous on a
// preallocated two-party barrier, and each computes one half of the merged
// output — the lower-indexed worker the lower half, the higher-indexed the
// upper half — writing into a shared destination so the halves build
// concurrently without overlapping. After the last round worker 0 owns the
// fully sorted array.

// sortQuicksortThreshold is the range size below which the local sort
// switches to insertion sort; each partitioning step on a larger range first
// checks for cancellation.
const sortQuicksortThreshold = 63

type sortCoordinator[T any] struct {
	ex       *executor
	cmp      KeyComparer
	n        int
	phases   int
	buffers  [][]elemKey[T]
	scratch  [][]elemKey[T]
	barriers [][]*twoPartyBarrier
}

func newSortCoordinator[T any](ex *executor, cmp KeyComparer, n int) *sortCoordinator[T] {
	phases := 0
	if n > 1 {
		phases = bits.Len(uint(n - 1))
	}
	sc := &sortCoordinator[T]{
		ex:       ex,
		cmp:      cmp,
		n:        n,
		phases:   phases,
		buffers:  make([][]elemKey[T], n),
		scratch:  make([][]elemKey[T], n),
		barriers: make([][]*twoPartyBarrier, phases),
	}
	for p := range phases {
		stride := 1 << p
		sc.barriers[p] = make([]*twoPartyBarrier, n)
		for lo := 0; lo+stride < n; lo += 2 * stride {
			sc.barriers[p][lo] = newTwoPartyBarrier()
		}
	}
	return sc
}

// run executes worker me's share of the sort: drain, local sort, then its
// merge rounds. Workers drop out as their data is absorbed by pair leaders.
func (sc *sortCoordinator[T]) run(me int, src enumerator[T]) error {
	defer src.close()
	var (
		v     T
		k     OrderKey
		buf   []elemKey[T]
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
		if err := sc.ex.cancel.poll(pulls); err != nil {
			return err
		}
		buf = append(buf, elemKey[T]{value: v, key: k})
	}
	if err := sc.quicksort(buf, 0, len(buf)-1); err != nil {
		return err
	}
	sc.buffers[me] = buf

	for p := range sc.phases {
		stride := 1 << p
		if me%stride != 0 {
			return nil
		}
		if me%(2*stride) == 0 {
			partner := me + stride
			if partner >= sc.n {
				continue
			}
			if err := sc.mergeAsLower(p, me, partner); err != nil {
				return err
			}
		} else {
			if err := sc.mergeAsUpper(p, me-stride, me); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeAsLower is the pair leader's side of one merge round.
func (sc *sortCoordinator[T]) mergeAsLower(phase, lo, hi int) error {
	b := sc.barriers[phase][lo]
	if err := b.arrive(sc.ex.cancel); err != nil {
		return err
	}
	// Both inputs are final now; publish the shared destination.
	dest := make([]elemKey[T], len(sc.buffers[lo])+len(sc.buffers[hi]))
	sc.scratch[lo] = dest
	if err := b.arrive(sc.ex.cancel); err != nil {
		return err
	}
	if err := sc.mergeLowerHalf(sc.buffers[lo], sc.buffers[hi], dest); err != nil {
		return err
	}
	if err := b.arrive(sc.ex.cancel); err != nil {
		return err
	}
	sc.buffers[lo] = dest
	sc.buffers[hi] = nil
	sc.scratch[lo] = nil
	return nil
}

// mergeAsUpper is the absorbed partner's side; after this round the worker
// owns no data and retires.
func (sc *sortCoordinator[T]) mergeAsUpper(phase, lo, hi int) error {
	b := sc.barriers[phase][lo]
	if err := b.arrive(sc.ex.cancel); err != nil {
		return err
	}
	if err := b.arrive(sc.ex.cancel); err != nil {
		return err
	}
	if err := sc.mergeUpperHalf(sc.buffers[lo], sc.buffers[hi], sc.scratch[lo]); err != nil {
		return err
	}
	return b.arrive(sc.ex.cancel)
}

// mergeLowerHalf fills dest[0:h] with the smallest h merged elements,
// h = ceil(len(dest)/2), walking both inputs from the front.
func (sc *sortCoordinator[T]) mergeLowerHalf(a, b, dest []elemKey[T]) error {
	h := (len(dest) + 1) / 2
	i, j := 0, 0
	for idx := 0; idx < h; idx++ {
		if idx&pollInterval == pollInterval {
			if err := sc.ex.cancel.err(); err != nil {
				return err
			}
		}
		switch {
		case i >= len(a):
			dest[idx] = b[j]
			j++
		case j >= len(b):
			dest[idx] = a[i]
			i++
		case sc.cmp(a[i].key, b[j].key) <= 0:
			dest[idx] = a[i]
			i++
		default:
			dest[idx] = b[j]
			j++
		}
	}
	return nil
}

// mergeUpperHalf fills dest[h:] with the largest elements, walking both
// inputs from the back. Ties go to b so the two halves partition the merge
// exactly as a single stable front-to-back walk would.
func (sc *sortCoordinator[T]) mergeUpperHalf(a, b, dest []elemKey[T]) error {
	h := (len(dest) + 1) / 2
	i, j := len(a)-1, len(b)-1
	for idx := len(dest) - 1; idx >= h; idx-- {
		if idx&pollInterval == pollInterval {
			if err := sc.ex.cancel.err(); err != nil {
				return err
			}
		}
		switch {
		case j < 0:
			dest[idx] = a[i]
			i--
		case i < 0:
			dest[idx] = b[j]
			j--
		case sc.cmp(a[i].key, b[j].key) <= 0:
			dest[idx] = b[j]
			j--
		default:
			dest[idx] = a[i]
			i--
		}
	}
	return nil
}

// quicksort sorts buf[left..right] in place by key. Hoare partitioning with
// a median-of-three pivot; small ranges finish with insertion sort. The
// comparers in play are total (ties are broken by prior keys), so an
// unstable local sort still yields a stable overall result.
func (sc *sortCoordinator[T]) quicksort(buf []elemKey[T], left, right int) error {
	for right-left > sortQuicksortThreshold {
		if err := sc.ex.cancel.err(); err != nil {
			return err
		}
		mid := left + (right-left)/2
		if sc.cmp(buf[mid].key, buf[left].key) < 0 {
			buf[left], buf[mid] = buf[mid], buf[left]
		}
		if sc.cmp(buf[right].key, buf[left].key) < 0 {
			buf[left], buf[right] = buf[right], buf[left]
		}
		if sc.cmp(buf[right].key, buf[mid].key) < 0 {
			buf[mid], buf[right] = buf[right], buf[mid]
		}
		pivot := buf[mid].key
		i, j := left, right
		for i <= j {
			for sc.cmp(buf[i].key, pivot) < 0 {
				i++
			}
			for sc.cmp(buf[j].key, pivot) > 0 {
				j--
			}
			if i <= j {
				buf[i], buf[j] = buf[j], buf[i]
				i++
				j--
			}
		}
		// Recurse into the smaller side, loop on the larger.
		if j-left < right-i {
			if err := sc.quicksort(buf, left, j); err != nil {
				return err
			}
			left = i
		} else {
			if err := sc.quicksort(buf, i, right); err != nil {
				return err
			}
			right = j
		}
	}
	for i := left + 1; i <= right; i++ {
		for j := i; j > left && sc.cmp(buf[j].key, buf[j-1].key) < 0; j-- {
			buf[j], buf[j-1] = buf[j-1], buf[j]
		}
	}
	return nil
}
