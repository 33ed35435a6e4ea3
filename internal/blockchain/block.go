package blockchain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/shizukutanaka/Hibiki/internal/mining"
)

// BlockReward is the coinbase payout per mined block.
const BlockReward uint64 = 50

// Transaction is the wire-level transaction model shared with the daemon.
type Transaction struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Size is the serialized byte length of the transaction. The template
// builder budgets block space with this figure.
func (t Transaction) Size() int {
	raw, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return len(raw)
}

// NewCoinbase builds the reward transaction paying address for height.
func NewCoinbase(address string, height uint64) Transaction {
	now := time.Now().Unix()
	tx := Transaction{
		From:      "",
		To:        address,
		Amount:    BlockReward,
		Timestamp: now,
	}
	sum := sha3.Sum256([]byte(fmt.Sprintf("coinbase:%d:%s:%d", height, address, now)))
	tx.ID = fmt.Sprintf("%x", sum[:16])
	return tx
}

// IsCoinbase reports whether the transaction is a reward transaction.
func (t Transaction) IsCoinbase() bool {
	return t.From == ""
}

// Block is a sealed block ready for submission.
type Block struct {
	Height       uint64         `json:"height"`
	PrevHash     mining.Digest  `json:"-"`
	TxRoot       mining.Digest  `json:"-"`
	Timestamp    int64          `json:"timestamp"`
	Difficulty   uint64         `json:"difficulty"`
	Nonce        uint64         `json:"nonce"`
	Hash         mining.Digest  `json:"-"`
	Transactions []Transaction  `json:"transactions"`
}

// TxRootOf computes the Merkle-style commitment over the transaction IDs.
// An empty list commits to the zero digest.
func TxRootOf(txs []Transaction) mining.Digest {
	if len(txs) == 0 {
		return mining.Digest{}
	}

	level := make([]mining.Digest, len(txs))
	for i, tx := range txs {
		level[i] = sha3.Sum256([]byte(tx.ID))
	}

	for len(level) > 1 {
		next := make([]mining.Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i // odd leaf pairs with itself
			}
			var pair [2 * mining.DigestSize]byte
			copy(pair[:mining.DigestSize], level[i][:])
			copy(pair[mining.DigestSize:], level[j][:])
			next = append(next, sha3.Sum256(pair[:]))
		}
		level = next
	}
	return level[0]
}

// BlockTemplate is the mutable candidate block a session searches over.
// Only the owning session touches it; Nonce and Timestamp are rewritten on
// every batch advance and on a winning find.
type BlockTemplate struct {
	Height       uint64
	PrevHash     mining.Digest
	Difficulty   uint64
	Target       *big.Int
	Transactions []Transaction
	Nonce        uint64
	Timestamp    int64
}

// Advance rewrites the search position after a batch that found nothing.
func (t *BlockTemplate) Advance(nextNonce uint64) {
	t.Nonce = nextNonce
	t.Timestamp = time.Now().Unix()
}

// Seal freezes the template into a submittable block for the winning nonce.
// The transaction commitment is recomputed from the final transaction list.
func (t *BlockTemplate) Seal(nonce uint64, digest mining.Digest) *Block {
	return &Block{
		Height:       t.Height,
		PrevHash:     t.PrevHash,
		TxRoot:       TxRootOf(t.Transactions),
		Timestamp:    time.Now().Unix(),
		Difficulty:   t.Difficulty,
		Nonce:        nonce,
		Hash:         digest,
		Transactions: t.Transactions,
	}
}
