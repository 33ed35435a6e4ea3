package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
)

// Client talks to the chain daemon's HTTP+JSON API. It is the only remote
// surface the mining engine uses: tip status, block lookup, mempool reads
// and block submission.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	// blockCache holds block lookups by height. Entries age out quickly
	// so a reorged block is not served stale for long.
	blockCache *bigcache.BigCache
}

// ErrRejected reports that the daemon refused a submitted block.
var ErrRejected = errors.New("block rejected by daemon")

const (
	defaultRequestTimeout = 10 * time.Second
	blockCacheWindow      = time.Minute
)

// NewClient creates a daemon client for baseURL.
func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("daemon URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cacheCfg := bigcache.DefaultConfig(blockCacheWindow)
	cacheCfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger.Named("chain"),
		blockCache: cache,
	}, nil
}

// Status fetches the daemon's current height and difficulty.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, "/api/v1/status", &resp); err != nil {
		return Status{}, fmt.Errorf("status request failed: %w", err)
	}
	return Status{Height: resp.Height, Difficulty: resp.Difficulty}, nil
}

// Block fetches the block at height, serving recent lookups from cache.
func (c *Client) Block(ctx context.Context, height uint64) (BlockInfo, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], height)

	if raw, err := c.blockCache.Get(string(key[:])); err == nil {
		if digest, derr := digestFromBytes(raw); derr == nil {
			return BlockInfo{Height: height, Hash: digest}, nil
		}
	}

	var resp blockResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/blocks/%d", height), &resp); err != nil {
		return BlockInfo{}, fmt.Errorf("block %d request failed: %w", height, err)
	}

	digest, err := digestFromBytes(resp.Hash)
	if err != nil {
		return BlockInfo{}, fmt.Errorf("block %d: %w", height, err)
	}

	_ = c.blockCache.Set(string(key[:]), digest[:])
	return BlockInfo{Height: resp.Height, Hash: digest}, nil
}

// PendingTransactions fetches the daemon's mempool contents.
func (c *Client) PendingTransactions(ctx context.Context) ([]blockchain.Transaction, error) {
	var resp mempoolResponse
	if err := c.getJSON(ctx, "/api/v1/transactions/pending", &resp); err != nil {
		return nil, fmt.Errorf("mempool request failed: %w", err)
	}
	return resp.Transactions, nil
}

// SubmitBlock posts a sealed block. A daemon-side refusal surfaces as
// ErrRejected with the daemon's reason attached.
func (c *Client) SubmitBlock(ctx context.Context, block *blockchain.Block) error {
	payload, err := json.Marshal(newSubmitRequest(block))
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/blocks", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read submit response: %w", err)
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("malformed submit response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = fmt.Sprintf("HTTP %d", httpResp.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	c.logger.Info("block accepted by daemon",
		zap.Uint64("height", block.Height),
		zap.Uint64("nonce", block.Nonce),
	)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
