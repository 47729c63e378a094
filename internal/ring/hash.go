package ring

// HashKey computes the 32-bit wire-contract hash for a key or virtual-node
// name. It is FNV-1a over the UTF-8 bytes of s, per spec section 4.1: the
// function must be deterministic across implementations and independent of
// host byte order, so it is pinned here rather than left to a pluggable
// hash.Hash32 the way a general-purpose library would expose it.
func HashKey(s string) uint32 {
	const (
		offsetBasis uint32 = 2166136261
		prime       uint32 = 16777619
	)
	h := offsetBasis
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
