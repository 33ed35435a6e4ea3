package blockchain

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/mining"
)

// DefaultMaxBlockBytes caps the serialized size of the transactions a
// template carries, coinbase included.
const DefaultMaxBlockBytes = 100_000

// SelectTransactions picks pending transactions for a block under a byte
// cap. Greedy and deterministic: oldest first, accumulate while the running
// size (seeded with the coinbase's own size) stays within maxBytes, stop at
// the first transaction that would overflow. The result always starts with
// the coinbase.
func SelectTransactions(pending []Transaction, coinbase Transaction, maxBytes int) []Transaction {
	byAge := make([]Transaction, len(pending))
	copy(byAge, pending)
	sort.SliceStable(byAge, func(i, j int) bool {
		return byAge[i].Timestamp < byAge[j].Timestamp
	})

	selected := []Transaction{coinbase}
	running := coinbase.Size()
	for _, tx := range byAge {
		size := tx.Size()
		if running+size > maxBytes {
			break
		}
		selected = append(selected, tx)
		running += size
	}
	return selected
}

// TemplateBuilder assembles block templates for a mining session.
type TemplateBuilder struct {
	logger   *zap.Logger
	maxBytes int
}

// NewTemplateBuilder creates a template builder.
func NewTemplateBuilder(maxBytes int, logger *zap.Logger) *TemplateBuilder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlockBytes
	}
	return &TemplateBuilder{
		logger:   logger.Named("template"),
		maxBytes: maxBytes,
	}
}

// Build creates a fresh template for height on top of prevHash, paying the
// coinbase to address. The payee is resolved per template so a runtime
// address change takes effect on the next build. The start nonce is
// randomized so restarts and parallel miners do not retread the same range.
func (b *TemplateBuilder) Build(height uint64, prevHash mining.Digest, difficulty uint64, address string, pending []Transaction) *BlockTemplate {
	coinbase := NewCoinbase(address, height)
	txs := SelectTransactions(pending, coinbase, b.maxBytes)

	tpl := &BlockTemplate{
		Height:       height,
		PrevHash:     prevHash,
		Difficulty:   difficulty,
		Target:       mining.TargetFromDifficulty(difficulty),
		Transactions: txs,
		Nonce:        randomStartNonce(),
		Timestamp:    time.Now().Unix(),
	}

	b.logger.Debug("template built",
		zap.Uint64("height", height),
		zap.Uint64("difficulty", difficulty),
		zap.Int("transactions", len(txs)),
		zap.Uint64("start_nonce", tpl.Nonce),
	)
	return tpl
}

func randomStartNonce() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}
