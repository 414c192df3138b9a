package parquery

import "cmp"

// OrderKey is the per-element metadata that lets a merge reassemble a specific
// order after partitions have executed concurrently. The concrete kind of key
// depends on the operators an element has traveled through: plain sources tag
// elements with positions, Concat wraps keys with the side they came from,
// FlatMapTo pairs the outer key with the inner position, and sorts replace the
// key with the computed sort key. A KeyComparer is the sole arbiter of order;
// it always matches the key kind currently flowing through the stream.
type OrderKey any

// KeyComparer compares two order keys. It returns a negative value if a
// orders before b, zero if they are tied, and a positive value otherwise.
type KeyComparer func(a, b OrderKey) int

// positionKey is an ordinal position within the source sequence.
type positionKey int64

// comparePositions orders position keys numerically.
func comparePositions(a, b OrderKey) int {
	return cmp.Compare(a.(positionKey), b.(positionKey))
}

// concatKey tags a child key with the side of a concatenation it belongs to.
// Every left key orders before every right key.
type concatKey struct {
	inner OrderKey
	right bool
}

// concatComparer builds the comparer for concatenated streams from the two
// child comparers.
func concatComparer(left, right KeyComparer) KeyComparer {
	return func(a, b OrderKey) int {
		ka, kb := a.(concatKey), b.(concatKey)
		switch {
		case !ka.right && kb.right:
			return -1
		case ka.right && !kb.right:
			return 1
		case ka.right:
			return right(ka.inner, kb.inner)
		default:
			return left(ka.inner, kb.inner)
		}
	}
}

// pairKey composes an outer key with an inner one. Used by FlatMapTo, where
// the outer key is the source element's key and the inner key is the position
// within the expanded sub-sequence.
type pairKey struct {
	outer OrderKey
	inner OrderKey
}

// pairComparer orders pair keys by outer key first, inner key second.
func pairComparer(outer, inner KeyComparer) KeyComparer {
	return func(a, b OrderKey) int {
		ka, kb := a.(pairKey), b.(pairKey)
		if c := outer(ka.outer, kb.outer); c != 0 {
			return c
		}
		return inner(ka.inner, kb.inner)
	}
}

// sortedKey carries the computed sort key plus the element's previous key as
// a tie breaker, which keeps sorts stable with respect to the original order.
type sortedKey struct {
	by  any
	tie OrderKey
}

// sortedComparer orders sortedKeys by the user comparator first and the
// previous ordering second.
func sortedComparer(by func(a, b any) int, tie KeyComparer) KeyComparer {
	return func(a, b OrderKey) int {
		ka, kb := a.(sortedKey), b.(sortedKey)
		if c := by(ka.by, kb.by); c != 0 {
			return c
		}
		return tie(ka.tie, kb.tie)
	}
}

// reverseComparer inverts an existing comparer. Reverse negates its child's
// keys this way so the downstream merge orders the reversed stream correctly.
func reverseComparer(c KeyComparer) KeyComparer {
	return func(a, b OrderKey) int {
		return -c(a, b)
	}
}

// indexState describes the semantic quality of the order keys carried by a
// partitioned stream. The order matters: each constant is strictly worse than
// the ones before it, and worse returns the weaker of two states.
type indexState int

const (
	// stateIndexible means the whole source supports O(1) random access by
	// ordinal index; keys are integer positions.
	stateIndexible indexState = iota
	// stateCorrect means keys are dense and match the original positions.
	stateCorrect
	// stateIncreasing means keys are strictly increasing within each
	// partition, but not necessarily dense.
	stateIncreasing
	// stateShuffled means no useful ordering of keys remains.
	stateShuffled
)

// worse returns the weaker of two index states.
func worse(a, b indexState) indexState {
	return max(a, b)
}

func (s indexState) String() string {
	switch s {
	case stateIndexible:
		return "indexible"
	case stateCorrect:
		return "correct"
	case stateIncreasing:
		return "increasing"
	default:
		return "shuffled"
	}
}
