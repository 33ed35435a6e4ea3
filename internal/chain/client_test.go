package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
	"github.com/shizukutanaka/Hibiki/internal/mining"
)

func newTestDaemon(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client, srv
}

func TestStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]uint64{"height": 120, "difficulty": 7500})
	})
	client, _ := newTestDaemon(t, mux)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), status.Height)
	assert.Equal(t, uint64(7500), status.Difficulty)
}

func TestStatusDaemonDown(t *testing.T) {
	client, srv := newTestDaemon(t, http.NewServeMux())
	srv.Close()

	_, err := client.Status(context.Background())
	assert.Error(t, err)
}

func TestBlockCaching(t *testing.T) {
	var hits atomic.Int32
	var want mining.Digest
	want[0] = 0xaa

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/blocks/50", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, `{"height":50,"hash":"0x%x"}`, want[:])
	})
	client, _ := newTestDaemon(t, mux)

	first, err := client.Block(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, want, first.Hash)

	second, err := client.Block(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, want, second.Hash)

	assert.Equal(t, int32(1), hits.Load(), "second lookup must come from cache")
}

func TestBlockBadDigest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/blocks/50", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"height":50,"hash":"0x0102"}`)
	})
	client, _ := newTestDaemon(t, mux)

	_, err := client.Block(context.Background(), 50)
	assert.Error(t, err)
}

func TestPendingTransactions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions/pending", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mempoolResponse{
			Transactions: []blockchain.Transaction{{ID: "tx1"}, {ID: "tx2"}},
		})
	})
	client, _ := newTestDaemon(t, mux)

	txs, err := client.PendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx1", txs[0].ID)
}

func TestSubmitBlockAccepted(t *testing.T) {
	var received submitRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/blocks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(submitResponse{Success: true})
	})
	client, _ := newTestDaemon(t, mux)

	block := &blockchain.Block{Height: 99, Nonce: 1234, Difficulty: 10}
	block.Hash[0] = 0x01

	require.NoError(t, client.SubmitBlock(context.Background(), block))
	assert.Equal(t, uint64(99), received.Height)
	assert.Equal(t, uint64(1234), received.Nonce)
	assert.Len(t, []byte(received.Hash), mining.DigestSize)
}

func TestSubmitBlockRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/blocks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Success: false, Error: "stale height"})
	})
	client, _ := newTestDaemon(t, mux)

	err := client.SubmitBlock(context.Background(), &blockchain.Block{Height: 99})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "stale height")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", zaptest.NewLogger(t))
	assert.Error(t, err)
}
