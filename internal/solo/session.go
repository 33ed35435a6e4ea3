package solo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
	"github.com/shizukutanaka/Hibiki/internal/chain"
	"github.com/shizukutanaka/Hibiki/internal/config"
	"github.com/shizukutanaka/Hibiki/internal/mining"
)

// State is the session's current phase.
type State int32

const (
	StateStopped State = iota
	StateSyncing
	StateBuilding
	StateSearching
	StateSubmitting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSyncing:
		return "syncing"
	case StateBuilding:
		return "building"
	case StateSearching:
		return "searching"
	case StateSubmitting:
		return "submitting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ChainClient is the remote surface the session depends on.
type ChainClient interface {
	Status(ctx context.Context) (chain.Status, error)
	Block(ctx context.Context, height uint64) (chain.BlockInfo, error)
	PendingTransactions(ctx context.Context) ([]blockchain.Transaction, error)
	SubmitBlock(ctx context.Context, block *blockchain.Block) error
}

// BlockRecorder persists successfully submitted blocks. Optional.
type BlockRecorder interface {
	RecordBlock(ctx context.Context, block *blockchain.Block, address string) error
}

const (
	// retryDelay is the pause before re-entering Syncing after any error.
	retryDelay = 5 * time.Second
	// supersedeInterval rate-limits the between-batch status checks.
	supersedeInterval = 2 * time.Second
	// tickInterval drives the hash-rate recorder.
	tickInterval = time.Second
)

// Session is the per-process mining state machine. It owns the current
// template and cache exclusively; both are dropped whenever the height
// moves on.
type Session struct {
	logger   *zap.Logger
	client   ChainClient
	settings *config.Settings
	builder  *blockchain.TemplateBuilder
	recorder *mining.HashRateRecorder
	ledger   BlockRecorder // may be nil

	backends []mining.Backend
	fallback mining.Backend

	state       atomic.Int32
	startTime   time.Time
	blocksFound atomic.Uint64

	mu          sync.Mutex
	template    *blockchain.BlockTemplate
	cache       mining.Cache
	cacheHeight uint64
}

// New assembles a session. backends must contain at least the software
// fallback (last entry, per mining.DetectBackends).
func New(client ChainClient, settings *config.Settings, builder *blockchain.TemplateBuilder, backends []mining.Backend, ledger BlockRecorder, logger *zap.Logger) (*Session, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one compute backend is required")
	}
	if settings.MiningAddress() == "" {
		return nil, fmt.Errorf("mining address is not configured")
	}

	return &Session{
		logger:   logger.Named("session"),
		client:   client,
		settings: settings,
		builder:  builder,
		recorder: mining.NewHashRateRecorder(mining.DefaultHashRateWindow),
		ledger:   ledger,
		backends: backends,
		fallback: backends[len(backends)-1],
	}, nil
}

// Run executes the supervisory loop until ctx is cancelled. No error from
// a single cycle terminates the loop; everything funnels back to Syncing
// after a fixed delay.
func (s *Session) Run(ctx context.Context) error {
	s.startTime = time.Now()
	s.setState(StateSyncing)
	defer s.setState(StateStopped)

	go s.tickLoop(ctx)

	s.logger.Info("mining session started",
		zap.String("address", s.settings.MiningAddress()),
		zap.Int("backends", len(s.backends)),
	)

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopping)
			s.logger.Info("mining session stopping")
			return ctx.Err()
		default:
		}

		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("mining cycle failed, resyncing",
				zap.Error(err),
				zap.Duration("retry_in", retryDelay),
			)
			s.setState(StateSyncing)
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
	}
}

// cycle is one pass of Syncing → Building → Searching → Submitting.
func (s *Session) cycle(ctx context.Context) error {
	s.setState(StateSyncing)
	status, err := s.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	workHeight := status.Height + 1

	s.mu.Lock()
	haveTemplate := s.template != nil && s.template.Height == workHeight
	s.mu.Unlock()

	if !haveTemplate {
		if err := s.buildTemplate(ctx, workHeight, status); err != nil {
			return err
		}
	}

	result, err := s.search(ctx, workHeight)
	switch {
	case errors.Is(err, mining.ErrSuperseded):
		s.logger.Info("height superseded, rebuilding", zap.Uint64("height", workHeight))
		s.dropTemplate()
		return nil
	case errors.Is(err, mining.ErrMaxAttempts):
		s.logger.Warn("attempt ceiling reached, rebuilding", zap.Uint64("height", workHeight))
		s.dropTemplate()
		return nil
	case err != nil:
		return err
	}

	return s.submit(ctx, result)
}

// buildTemplate enters Building: fetches the previous block and the
// mempool, then installs a fresh template and its cache.
func (s *Session) buildTemplate(ctx context.Context, height uint64, status chain.Status) error {
	s.setState(StateBuilding)

	prev, err := s.client.Block(ctx, status.Height)
	if err != nil {
		return fmt.Errorf("failed to fetch previous block: %w", err)
	}

	pending, err := s.client.PendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending transactions: %w", err)
	}

	cacheSize := s.settings.CacheSize()
	if need := uint64(cacheSize) * 8; need > memory.TotalMemory() {
		return fmt.Errorf("cache of %d entries does not fit in system memory", cacheSize)
	}

	cache, err := mining.GenerateCache(mining.SeedForHeight(height), cacheSize)
	if err != nil {
		return fmt.Errorf("cache generation failed: %w", err)
	}

	tpl := s.builder.Build(height, prev.Hash, status.Difficulty, s.settings.MiningAddress(), pending)

	s.mu.Lock()
	s.template = tpl
	s.cache = cache
	s.cacheHeight = height
	s.mu.Unlock()

	s.logger.Info("new work",
		zap.Uint64("height", height),
		zap.Uint64("difficulty", status.Difficulty),
		zap.Int("transactions", len(tpl.Transactions)),
	)
	return nil
}

// search enters Searching and drives the batch scheduler for the current
// template. All in-flight state belongs to this height; a supersession
// surfaces as mining.ErrSuperseded before any next batch is dispatched.
func (s *Session) search(ctx context.Context, height uint64) (*mining.SearchResult, error) {
	s.setState(StateSearching)

	s.mu.Lock()
	tpl := s.template
	cache := s.cache
	s.mu.Unlock()
	if tpl == nil {
		return nil, fmt.Errorf("no current template")
	}

	scheduler := mining.NewScheduler(
		mining.SchedulerConfig{
			BatchSize:   s.settings.BatchSize(),
			MaxAttempts: s.settings.MaxAttempts(),
			LowLatency:  s.settings.LowLatency(),
		},
		s.primaryBackend(),
		s.fallback,
		s.recorder,
		s.logger,
	)

	return scheduler.Search(ctx, mining.SearchContext{
		Height:       tpl.Height,
		PrevHash:     tpl.PrevHash,
		Target:       tpl.Target,
		Cache:        cache,
		StartNonce:   tpl.Nonce,
		StillCurrent: s.stillCurrentFunc(ctx, height),
		OnAdvance:    tpl.Advance,
	})
}

// submit enters Submitting: re-verifies the find against the session's own
// cache, seals the block and hands it to the daemon.
func (s *Session) submit(ctx context.Context, result *mining.SearchResult) error {
	s.setState(StateSubmitting)

	s.mu.Lock()
	tpl := s.template
	cache := s.cache
	cacheHeight := s.cacheHeight
	s.mu.Unlock()
	if tpl == nil {
		return fmt.Errorf("no current template")
	}

	// Authoritative recheck against the cache for this exact height. A
	// mismatch means the candidate came from stale state; it is discarded
	// and the search resumes past it.
	if cacheHeight != tpl.Height {
		return fmt.Errorf("cache height %d does not match template height %d", cacheHeight, tpl.Height)
	}
	digest := mining.HashBlock(tpl.Height, tpl.PrevHash, result.Nonce, cache)
	if digest != result.Digest || !mining.MeetsTarget(digest, tpl.Target) {
		s.logger.Error("candidate failed final verification, discarding",
			zap.Uint64("height", tpl.Height),
			zap.Uint64("nonce", result.Nonce),
		)
		s.mu.Lock()
		if s.template == tpl {
			tpl.Advance(result.Nonce + 1)
		}
		s.mu.Unlock()
		return nil
	}

	block := tpl.Seal(result.Nonce, digest)
	if err := s.client.SubmitBlock(ctx, block); err != nil {
		if errors.Is(err, chain.ErrRejected) {
			s.logger.Warn("block rejected, resyncing",
				zap.Uint64("height", block.Height),
				zap.Error(err),
			)
			s.dropTemplate()
			return nil
		}
		return fmt.Errorf("submit failed: %w", err)
	}

	s.blocksFound.Add(1)
	s.logger.Info("block mined",
		zap.Uint64("height", block.Height),
		zap.Uint64("nonce", block.Nonce),
		zap.Uint64("attempts", result.Attempts),
	)

	if s.ledger != nil {
		// Record the payee the block actually carries, not the current
		// setting: the address may have changed since the template was built.
		payee := s.settings.MiningAddress()
		if len(block.Transactions) > 0 && block.Transactions[0].IsCoinbase() {
			payee = block.Transactions[0].To
		}
		if err := s.ledger.RecordBlock(ctx, block, payee); err != nil {
			s.logger.Warn("failed to record mined block", zap.Error(err))
		}
	}

	s.dropTemplate()
	return nil
}

// stillCurrentFunc returns the supersession probe the scheduler calls
// before each batch. Daemon polls are rate-limited; a failed poll counts
// as still current so transient daemon errors do not abort the search.
func (s *Session) stillCurrentFunc(ctx context.Context, height uint64) func() bool {
	var (
		mu        sync.Mutex
		lastCheck time.Time
		current   = true
	)
	return func() bool {
		mu.Lock()
		defer mu.Unlock()

		if !current {
			return false
		}
		if time.Since(lastCheck) < supersedeInterval {
			return true
		}
		lastCheck = time.Now()

		pollCtx, cancel := context.WithTimeout(ctx, supersedeInterval)
		defer cancel()
		status, err := s.client.Status(pollCtx)
		if err != nil {
			return true
		}
		current = status.Height+1 == height
		return current
	}
}

// primaryBackend picks the dispatch backend for the next search, honoring
// the runtime backends limit. Detection order puts the software fallback
// last, so a limit of n keeps the n least specialized backends.
func (s *Session) primaryBackend() mining.Backend {
	candidates := s.backends
	if limit := s.settings.Backends(); limit >= 1 && limit < len(candidates) {
		candidates = candidates[len(candidates)-limit:]
	}
	for _, b := range candidates {
		if b.Active() {
			return b
		}
	}
	return s.fallback
}

func (s *Session) dropTemplate() {
	s.mu.Lock()
	s.template = nil
	s.cache = nil
	s.cacheHeight = 0
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the session's current phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recorder.Tick()
		}
	}
}

// BackendStatus describes one compute backend for status surfaces.
type BackendStatus struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Active   bool    `json:"active"`
	HashRate float64 `json:"hash_rate"`
}

// Snapshot is a point-in-time view of the session for the status command
// and the monitoring server.
type Snapshot struct {
	State          string          `json:"state"`
	Address        string          `json:"address"`
	Uptime         time.Duration   `json:"uptime"`
	TemplateHeight uint64          `json:"template_height"`
	TotalHashes    uint64          `json:"total_hashes"`
	HashRate       float64         `json:"hash_rate"`
	WindowRate     float64         `json:"window_hash_rate"`
	BlocksFound    uint64          `json:"blocks_found"`
	Backends       []BackendStatus `json:"backends"`
}

// Snapshot captures the session's current statistics.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	var height uint64
	if s.template != nil {
		height = s.template.Height
	}
	s.mu.Unlock()

	backends := make([]BackendStatus, 0, len(s.backends))
	for _, b := range s.backends {
		backends = append(backends, BackendStatus{
			ID:       b.ID(),
			Kind:     string(b.Kind()),
			Active:   b.Active(),
			HashRate: b.HashRate(),
		})
	}

	return Snapshot{
		State:          s.State().String(),
		Address:        s.settings.MiningAddress(),
		Uptime:         time.Since(s.startTime),
		TemplateHeight: height,
		TotalHashes:    s.recorder.Total(),
		HashRate:       s.recorder.Lifetime(),
		WindowRate:     s.recorder.Window(),
		BlocksFound:    s.blocksFound.Load(),
		Backends:       backends,
	}
}
