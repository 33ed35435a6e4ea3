package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
	"github.com/shizukutanaka/Hibiki/internal/mining"
)

// statusResponse mirrors the daemon's GET /status payload.
type statusResponse struct {
	Height     uint64 `json:"height"`
	Difficulty uint64 `json:"difficulty"`
}

// Status is the daemon's view of the chain tip.
type Status struct {
	Height     uint64
	Difficulty uint64
}

// blockResponse mirrors the daemon's GET /blocks/{height} payload.
type blockResponse struct {
	Height uint64        `json:"height"`
	Hash   hexutil.Bytes `json:"hash"`
}

// BlockInfo is the subset of a remote block the miner needs.
type BlockInfo struct {
	Height uint64
	Hash   mining.Digest
}

// mempoolResponse mirrors the daemon's GET /transactions payload.
type mempoolResponse struct {
	Transactions []blockchain.Transaction `json:"transactions"`
}

// submitRequest is the POST /blocks payload.
type submitRequest struct {
	Height       uint64                   `json:"height"`
	PrevHash     hexutil.Bytes            `json:"previousHash"`
	TxRoot       hexutil.Bytes            `json:"txRoot"`
	Timestamp    int64                    `json:"timestamp"`
	Difficulty   uint64                   `json:"difficulty"`
	Nonce        uint64                   `json:"nonce"`
	Hash         hexutil.Bytes            `json:"hash"`
	Transactions []blockchain.Transaction `json:"transactions"`
}

// submitResponse is the daemon's verdict on a submitted block.
type submitResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func newSubmitRequest(b *blockchain.Block) submitRequest {
	return submitRequest{
		Height:       b.Height,
		PrevHash:     hexutil.Bytes(b.PrevHash[:]),
		TxRoot:       hexutil.Bytes(b.TxRoot[:]),
		Timestamp:    b.Timestamp,
		Difficulty:   b.Difficulty,
		Nonce:        b.Nonce,
		Hash:         hexutil.Bytes(b.Hash[:]),
		Transactions: b.Transactions,
	}
}

func digestFromBytes(raw []byte) (mining.Digest, error) {
	var d mining.Digest
	if len(raw) != mining.DigestSize {
		return d, fmt.Errorf("expected %d-byte digest, got %d bytes", mining.DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
