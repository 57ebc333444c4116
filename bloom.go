package shadowguard

import "math"

// bloomFilter is a fixed-size Bloom filter keyed by domain strings.
// It is write-once: all inserts happen during index construction and
// the filter is read-only afterwards, so probes need no locking.
type bloomFilter struct {
	bits    []uint64
	numBits uint64
	hashes  int
}

// newBloomFilter sizes a filter for the expected number of elements at
// the target false-positive rate.
func newBloomFilter(expected int, falsePositive float64) *bloomFilter {
	if expected < 1 {
		expected = 1
	}
	if falsePositive <= 0 || falsePositive >= 1 {
		falsePositive = 1e-3
	}

	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(expected) * math.Log(falsePositive) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Round(float64(m) / float64(expected) * ln2))
	if k < 1 {
		k = 1
	}

	return &bloomFilter{
		bits:    make([]uint64, (m+63)/64),
		numBits: m,
		hashes:  k,
	}
}

func (b *bloomFilter) add(s string) {
	h1, h2 := bloomHash(s)
	for i := 0; i < b.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % b.numBits
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

// mayContain reports whether s is possibly in the set. A false return
// is definitive: the element was never added.
func (b *bloomFilter) mayContain(s string) bool {
	h1, h2 := bloomHash(s)
	for i := 0; i < b.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % b.numBits
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

const (
	fnvOffset64 = 0xcbf29ce484222325
	fnvPrime64  = 0x100000001b3
)

// bloomHash derives the two base hashes for double hashing: FNV-1a as
// the primary and a Murmur-style finalizer of it as the secondary.
// The secondary is forced odd so the probe sequence covers the filter.
func bloomHash(s string) (uint64, uint64) {
	h1 := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h1 ^= uint64(s[i])
		h1 *= fnvPrime64
	}
	h2 := mix64(h1) | 1
	return h1, h2
}

// mix64 is the 64-bit finalizer from MurmurHash3.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
