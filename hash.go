package parquery

import (
	"hash/maphash"

	"github.com/spaolacci/murmur3"
)

// distributionMinBuckets is the floor for the repartition bucket count. The
// modulus is always rounded up to a power of two so the hot-path mod becomes
// a mask.
const distributionMinBuckets = 503

// distributionMod returns the smallest power of two that is at least
// distributionMinBuckets and at least the worker count.
func distributionMod(workers int) uint32 {
	mod := uint32(1)
	for mod < distributionMinBuckets || mod < uint32(workers) {
		mod <<= 1
	}
	return mod
}

// hasher buckets comparable keys consistently across all workers of one
// exchange. Strings go through murmur3; every other comparable type goes
// through the seeded runtime hash. The sign bit is cleared before the
// modulus, matching the engine's hashing rule.
type hasher[K comparable] struct {
	seed maphash.Seed
	mod  uint32
}

func newHasher[K comparable](workers int) hasher[K] {
	return hasher[K]{
		seed: maphash.MakeSeed(),
		mod:  distributionMod(workers),
	}
}

// bucket maps a key to its repartition bucket, then folds the bucket space
// onto the actual worker count.
func (h hasher[K]) bucket(k K, workers int) int {
	var raw uint32
	if s, ok := any(k).(string); ok {
		raw = murmur3.Sum32([]byte(s))
	} else {
		raw = uint32(maphash.Comparable(h.seed, k))
	}
	spread := (raw & 0x7FFFFFFF) % h.mod
	return int(spread % uint32(workers))
}
