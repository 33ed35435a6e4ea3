package blockchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pendingTx(id string, age int64, payload int) Transaction {
	return Transaction{
		ID:        id,
		From:      "sender",
		To:        "receiver",
		Amount:    1,
		Data:      make([]byte, payload),
		Timestamp: time.Now().Unix() - age,
	}
}

func TestSelectTransactionsCoinbaseFirst(t *testing.T) {
	coinbase := NewCoinbase("miner-address", 10)
	pending := []Transaction{pendingTx("a", 10, 0), pendingTx("b", 5, 0)}

	selected := SelectTransactions(pending, coinbase, DefaultMaxBlockBytes)
	require.NotEmpty(t, selected)
	assert.True(t, selected[0].IsCoinbase())
	assert.Equal(t, coinbase.ID, selected[0].ID)
}

func TestSelectTransactionsOldestFirst(t *testing.T) {
	coinbase := NewCoinbase("miner-address", 10)
	newest := pendingTx("newest", 1, 0)
	oldest := pendingTx("oldest", 100, 0)
	middle := pendingTx("middle", 50, 0)

	selected := SelectTransactions([]Transaction{newest, oldest, middle}, coinbase, DefaultMaxBlockBytes)
	require.Len(t, selected, 4)
	assert.Equal(t, "oldest", selected[1].ID)
	assert.Equal(t, "middle", selected[2].ID)
	assert.Equal(t, "newest", selected[3].ID)
}

func TestSelectTransactionsByteCap(t *testing.T) {
	coinbase := NewCoinbase("miner-address", 10)
	small := pendingTx("small", 30, 10)
	big := pendingTx("big", 20, 4000)
	after := pendingTx("after", 10, 10)

	maxBytes := coinbase.Size() + small.Size() + big.Size()/2

	selected := SelectTransactions([]Transaction{small, big, after}, coinbase, maxBytes)

	// Greedy prefix: selection stops at the first overflowing transaction
	// even though a later one would still fit.
	require.Len(t, selected, 2)
	assert.Equal(t, "small", selected[1].ID)

	// Cumulative size, coinbase included, stays within the cap, and the
	// next unselected transaction would have exceeded it.
	total := 0
	for _, tx := range selected {
		total += tx.Size()
	}
	assert.LessOrEqual(t, total, maxBytes)
	assert.Greater(t, total+big.Size(), maxBytes)
}

func TestSelectTransactionsEmptyMempool(t *testing.T) {
	coinbase := NewCoinbase("miner-address", 10)
	selected := SelectTransactions(nil, coinbase, DefaultMaxBlockBytes)
	require.Len(t, selected, 1)
	assert.True(t, selected[0].IsCoinbase())
}

func TestBuildTemplate(t *testing.T) {
	builder := NewTemplateBuilder(0, zaptest.NewLogger(t))

	var prev [32]byte
	prev[0] = 0x11

	tpl := builder.Build(42, prev, 1000, "miner-address", []Transaction{pendingTx("a", 10, 0)})

	assert.Equal(t, uint64(42), tpl.Height)
	assert.Equal(t, prev, [32]byte(tpl.PrevHash))
	assert.Equal(t, uint64(1000), tpl.Difficulty)
	require.NotNil(t, tpl.Target)
	require.Len(t, tpl.Transactions, 2)
	assert.True(t, tpl.Transactions[0].IsCoinbase())
	assert.Equal(t, "miner-address", tpl.Transactions[0].To)
	assert.Equal(t, BlockReward, tpl.Transactions[0].Amount)
}

func TestBuildTemplateRandomizesStartNonce(t *testing.T) {
	builder := NewTemplateBuilder(0, zaptest.NewLogger(t))

	var prev [32]byte
	a := builder.Build(42, prev, 1, "miner-address", nil)
	b := builder.Build(42, prev, 1, "miner-address", nil)

	// Random 64-bit start nonces colliding is effectively impossible.
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestBuildResolvesAddressPerTemplate(t *testing.T) {
	builder := NewTemplateBuilder(0, zaptest.NewLogger(t))

	var prev [32]byte
	first := builder.Build(42, prev, 1, "hib1qoldaddress", nil)
	second := builder.Build(43, prev, 1, "hib1qnewaddress", nil)

	// A changed reward address must reach the very next coinbase.
	assert.Equal(t, "hib1qoldaddress", first.Transactions[0].To)
	assert.Equal(t, "hib1qnewaddress", second.Transactions[0].To)
}
