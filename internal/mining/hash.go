package mining

import (
	"encoding/binary"
	"math/big"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the width of every proof-of-work digest in bytes.
const DigestSize = 32

// mixRounds is the fixed number of cache-folding rounds in HashBlock.
// Changing it is a consensus break.
const mixRounds = 16

// avalanchePrime drives the multiplicative avalanche step of each round.
const avalanchePrime = 0x9e3779b97f4a7c15

// maxUint256 is 2^256 - 1, the largest representable digest value.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Digest is a fixed-width proof-of-work digest.
type Digest [DigestSize]byte

// Big interprets the digest as a big-endian unsigned integer.
func (d Digest) Big() *big.Int {
	return new(big.Int).SetBytes(d[:])
}

// HashBlock computes the memory-hard proof-of-work digest for one nonce.
//
// The mixing state is seeded from SHA3-256(height ∥ prevHash ∥ nonce) and
// then folded with mixRounds cache words. The cache index of every round is
// derived from the current state, not from the nonce, so the full cache must
// be resident to evaluate the function. The daemon recomputes this digest
// during block validation; both sides must agree bit for bit.
func HashBlock(height uint64, prevHash Digest, nonce uint64, cache Cache) Digest {
	var preimage [8 + DigestSize + 8]byte
	binary.BigEndian.PutUint64(preimage[0:8], height)
	copy(preimage[8:8+DigestSize], prevHash[:])
	binary.BigEndian.PutUint64(preimage[8+DigestSize:], nonce)

	seed := sha3.Sum256(preimage[:])

	var state [4]uint64
	for i := range state {
		state[i] = binary.BigEndian.Uint64(seed[i*8 : i*8+8])
	}

	n := uint64(len(cache))
	for r := 0; r < mixRounds; r++ {
		// State-dependent lookup: this is the memory-hard step.
		word := cache[state[r%4]%n]

		i := (r + 1) % 4
		state[i] ^= word
		state[i] = bits.RotateLeft64(state[i], 29)
		state[i] *= avalanchePrime
		state[i] ^= nonce + uint64(r)
	}

	var folded [32]byte
	for i, w := range state {
		binary.BigEndian.PutUint64(folded[i*8:i*8+8], w)
	}
	return sha3.Sum256(folded[:])
}

// MeetsTarget reports whether the digest, read as a big-endian unsigned
// integer, is less than or equal to target.
func MeetsTarget(digest Digest, target *big.Int) bool {
	return digest.Big().Cmp(target) <= 0
}

// TargetFromDifficulty derives the proof-of-work target for a difficulty.
// The daemon uses the same formula, so higher difficulty always means a
// strictly smaller target.
func TargetFromDifficulty(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(big.Int).Div(maxUint256, new(big.Int).SetUint64(difficulty))
}
