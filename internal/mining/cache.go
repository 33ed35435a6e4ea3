package mining

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// EpochLength is the number of heights sharing one seed. Seeds only change
// on epoch boundaries so consecutive heights usually reuse the same cache
// contents, matching what the daemon derives during validation.
const EpochLength = 100

// Cache is the deterministic lookup table the memory-hard hash mixes with.
// Generated once per height, immutable afterwards, owned by the session
// that generated it.
type Cache []uint64

// SeedForHeight derives the cache seed for a block height. Pure function of
// the height: the epoch start height is hashed twice through SHA3-256.
func SeedForHeight(height uint64) Digest {
	epochStart := (height / EpochLength) * EpochLength

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epochStart)

	first := sha3.Sum256(buf[:])
	return sha3.Sum256(first[:])
}

// GenerateCache builds a cache of size words from seed by walking a SHA3
// chain and taking the leading eight bytes of every link. Identical
// (seed, size) pairs always produce identical caches.
func GenerateCache(seed Digest, size int) (Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}

	cache := make(Cache, size)
	link := seed
	for i := 0; i < size; i++ {
		link = sha3.Sum256(link[:])
		cache[i] = binary.BigEndian.Uint64(link[0:8])
	}
	return cache, nil
}
