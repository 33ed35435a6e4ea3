package solo

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/sha3"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
	"github.com/shizukutanaka/Hibiki/internal/chain"
	"github.com/shizukutanaka/Hibiki/internal/config"
	"github.com/shizukutanaka/Hibiki/internal/mining"
)

const testAddress = "hib1qtestaddress"

// fakeChain is an in-memory daemon. Accepted submissions advance the tip,
// so the session moves on to the next height just like against a real node.
type fakeChain struct {
	mu          sync.Mutex
	height      uint64
	difficulty  uint64
	pending     []blockchain.Transaction
	submitted   []*blockchain.Block
	statusCalls int
	submitErr   error
}

func (f *fakeChain) Status(ctx context.Context) (chain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return chain.Status{Height: f.height, Difficulty: f.difficulty}, nil
}

func (f *fakeChain) Block(ctx context.Context, height uint64) (chain.BlockInfo, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return chain.BlockInfo{Height: height, Hash: sha3.Sum256(buf[:])}, nil
}

func (f *fakeChain) PendingTransactions(ctx context.Context) ([]blockchain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeChain) SubmitBlock(ctx context.Context, block *blockchain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, block)
	f.height = block.Height
	return nil
}

func (f *fakeChain) submittedBlocks() []*blockchain.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*blockchain.Block(nil), f.submitted...)
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeChain) setHeight(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = h
}

type fakeLedger struct {
	mu      sync.Mutex
	records []string
}

func (l *fakeLedger) RecordBlock(ctx context.Context, block *blockchain.Block, address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, address)
	return nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *fakeLedger) addresses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.records...)
}

func newTestSession(t *testing.T, client ChainClient, ledger BlockRecorder, maxAttempts uint64) (*Session, *config.Settings) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	settings := config.NewSettings(config.MiningConfig{
		Address:     testAddress,
		BatchSize:   config.MinBatchSize,
		CacheSize:   64,
		MaxAttempts: maxAttempts,
		Backends:    1,
	})
	builder := blockchain.NewTemplateBuilder(0, logger)
	backends := []mining.Backend{mining.NewSoftwareBackend(logger)}

	session, err := New(client, settings, builder, backends, ledger, logger)
	require.NoError(t, err)
	return session, settings
}

// runSession runs the session in the background and returns a stop function
// that cancels it and waits for the run loop to drain.
func runSession(t *testing.T, s *Session) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("session did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func TestSessionMinesAndSubmitsBlocks(t *testing.T) {
	// Difficulty 1 makes every nonce a winner, so the first batch finds one.
	daemon := &fakeChain{height: 100, difficulty: 1}
	ledger := &fakeLedger{}
	session, _ := newTestSession(t, daemon, ledger, 0)
	stop := runSession(t, session)

	require.Eventually(t, func() bool {
		return len(daemon.submittedBlocks()) >= 2
	}, 15*time.Second, 10*time.Millisecond)
	stop()

	blocks := daemon.submittedBlocks()
	require.NotEmpty(t, blocks)

	// One submission per height, strictly in order on top of the old tip.
	for i, block := range blocks {
		assert.Equal(t, uint64(101+i), block.Height)
	}

	first := blocks[0]
	assert.Equal(t, uint64(1), first.Difficulty)
	require.NotEmpty(t, first.Transactions)
	assert.True(t, first.Transactions[0].IsCoinbase())
	assert.Equal(t, testAddress, first.Transactions[0].To)

	// The sealed hash must be reproducible from the block's own fields.
	cache, err := mining.GenerateCache(mining.SeedForHeight(first.Height), 64)
	require.NoError(t, err)
	recomputed := mining.HashBlock(first.Height, first.PrevHash, first.Nonce, cache)
	assert.Equal(t, first.Hash, recomputed)
	assert.True(t, mining.MeetsTarget(recomputed, mining.TargetFromDifficulty(first.Difficulty)))

	assert.GreaterOrEqual(t, ledger.count(), 1)
	assert.GreaterOrEqual(t, session.Snapshot().BlocksFound, uint64(1))
}

func TestSessionAbandonsSupersededHeight(t *testing.T) {
	// An unreachable target keeps the search running until the supersession
	// probe sees the tip move.
	daemon := &fakeChain{height: 100, difficulty: math.MaxUint64}
	session, _ := newTestSession(t, daemon, nil, 0)
	runSession(t, session)

	// Wait for the first template, then advance the tip under the search.
	require.Eventually(t, func() bool {
		return session.Snapshot().TemplateHeight == 101
	}, 15*time.Second, 10*time.Millisecond)
	daemon.setHeight(101)

	require.Eventually(t, func() bool {
		return session.Snapshot().TemplateHeight == 102
	}, 15*time.Second, 10*time.Millisecond)

	assert.Empty(t, daemon.submittedBlocks(), "a superseded search must never submit")
}

func TestSessionRebuildsAfterAttemptCeiling(t *testing.T) {
	daemon := &fakeChain{height: 100, difficulty: math.MaxUint64}
	session, _ := newTestSession(t, daemon, nil, 2*config.MinBatchSize)
	runSession(t, session)

	// Each exhausted template triggers a resync, visible as status traffic.
	require.Eventually(t, func() bool {
		return daemon.calls() >= 3
	}, 15*time.Second, 10*time.Millisecond)

	assert.Empty(t, daemon.submittedBlocks())
}

func TestSessionResyncsOnRejection(t *testing.T) {
	daemon := &fakeChain{height: 100, difficulty: 1, submitErr: chain.ErrRejected}
	ledger := &fakeLedger{}
	session, _ := newTestSession(t, daemon, ledger, 0)
	runSession(t, session)

	// A rejection drops the template and resyncs without the retry delay,
	// so status calls keep accumulating.
	require.Eventually(t, func() bool {
		return daemon.calls() >= 3
	}, 15*time.Second, 10*time.Millisecond)

	assert.Zero(t, ledger.count(), "rejected blocks must not reach the ledger")
	assert.Zero(t, session.Snapshot().BlocksFound)
}

func TestSessionStopsOnCancel(t *testing.T) {
	daemon := &fakeChain{height: 100, difficulty: math.MaxUint64}
	session, _ := newTestSession(t, daemon, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	require.Eventually(t, func() bool {
		return session.State() == StateSearching
	}, 15*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop after cancellation")
	}
	assert.Equal(t, StateStopped, session.State())
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	logger := zaptest.NewLogger(t)
	builder := blockchain.NewTemplateBuilder(0, logger)
	backend := mining.NewSoftwareBackend(logger)

	_, err := New(&fakeChain{}, config.NewSettings(config.MiningConfig{Address: testAddress}), builder, nil, nil, logger)
	assert.Error(t, err, "no backends")

	_, err = New(&fakeChain{}, config.NewSettings(config.MiningConfig{}), builder, []mining.Backend{backend}, nil, logger)
	assert.Error(t, err, "no mining address")
}

func TestSessionAddressChangeReachesCoinbase(t *testing.T) {
	daemon := &fakeChain{height: 100, difficulty: 1}
	ledger := &fakeLedger{}
	session, settings := newTestSession(t, daemon, ledger, 0)
	stop := runSession(t, session)

	require.Eventually(t, func() bool {
		return len(daemon.submittedBlocks()) >= 1
	}, 15*time.Second, 10*time.Millisecond)

	// Rewrite the reward address mid-run: templates built from here on
	// must pay the new payee.
	require.NoError(t, settings.Set(config.KeyMiningAddress, "hib1qrewritten"))

	require.Eventually(t, func() bool {
		blocks := daemon.submittedBlocks()
		return len(blocks) > 0 && blocks[len(blocks)-1].Transactions[0].To == "hib1qrewritten"
	}, 15*time.Second, 10*time.Millisecond)
	stop()

	// Ledger rows name the payee each block actually carries, so early
	// blocks keep the old address and later ones the new.
	blocks := daemon.submittedBlocks()
	addresses := ledger.addresses()
	require.Len(t, addresses, len(blocks))
	for i, block := range blocks {
		assert.Equal(t, block.Transactions[0].To, addresses[i])
	}
	assert.Equal(t, testAddress, blocks[0].Transactions[0].To)
	assert.Equal(t, "hib1qrewritten", blocks[len(blocks)-1].Transactions[0].To)
}

func TestBackendLimitAppliesAtDispatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	settings := config.NewSettings(config.MiningConfig{
		Address:   testAddress,
		BatchSize: config.MinBatchSize,
		CacheSize: 64,
		Backends:  2,
	})
	first := mining.NewSoftwareBackend(logger)
	second := mining.NewSoftwareBackend(logger)

	session, err := New(&fakeChain{}, settings, blockchain.NewTemplateBuilder(0, logger),
		[]mining.Backend{first, second}, nil, logger)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), session.primaryBackend().ID())

	// Shrinking the limit at runtime keeps only the trailing backends,
	// ending with the software fallback.
	require.NoError(t, settings.Set(config.KeyBackends, "1"))
	assert.Equal(t, second.ID(), session.primaryBackend().ID())

	require.NoError(t, settings.Set(config.KeyBackends, "2"))
	assert.Equal(t, first.ID(), session.primaryBackend().ID())
}

func TestSnapshotShape(t *testing.T) {
	session, _ := newTestSession(t, &fakeChain{height: 1, difficulty: 1}, nil, 0)

	snap := session.Snapshot()
	assert.Equal(t, "stopped", snap.State)
	assert.Equal(t, testAddress, snap.Address)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, string(mining.BackendSoftware), snap.Backends[0].Kind)
	assert.True(t, snap.Backends[0].Active)
}
