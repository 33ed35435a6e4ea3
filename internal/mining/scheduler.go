package mining

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler defaults. Batch size bounds how many nonces one dispatch covers,
// the chunk size bounds how many are checked between cooperative yields.
const (
	DefaultBatchSize = 800_000
	MinBatchSize     = 1_000
	DefaultChunkSize = 1_000

	// lowLatencyDivisor shrinks batch and chunk sizes in low-latency mode.
	lowLatencyDivisor = 8
	// lowLatencyDelay is the pause inserted between low-latency batches.
	lowLatencyDelay = 5 * time.Millisecond
)

var (
	// ErrSuperseded reports that the height under search stopped being
	// current before a winning nonce was found.
	ErrSuperseded = errors.New("search superseded by a newer height")

	// ErrMaxAttempts reports that the configured attempt ceiling was
	// reached without a find.
	ErrMaxAttempts = errors.New("maximum attempts reached without a find")
)

// SchedState is the scheduler's observable state.
type SchedState int32

const (
	SchedIdle SchedState = iota
	SchedBatchRunning
)

// SchedulerConfig controls batch sizing and pacing.
type SchedulerConfig struct {
	BatchSize    int
	MinBatchSize int
	ChunkSize    int
	MaxAttempts  uint64 // 0 means unbounded
	LowLatency   bool
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = MinBatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.LowLatency {
		c.BatchSize = maxInt(c.MinBatchSize, c.BatchSize/lowLatencyDivisor)
		c.ChunkSize = maxInt(1, c.ChunkSize/lowLatencyDivisor)
	}
	return c
}

// SearchContext carries everything the scheduler needs for one height.
// The scheduler never mutates the cache; nonce progress is reported back
// through OnAdvance so the owning session can rewrite its template.
type SearchContext struct {
	Height     uint64
	PrevHash   Digest
	Target     *big.Int
	Cache      Cache
	StartNonce uint64

	// StillCurrent is consulted before every batch dispatch. A false
	// return aborts the search with ErrSuperseded. Nil means always
	// current.
	StillCurrent func() bool

	// OnAdvance is invoked with the next start nonce after every batch
	// that found nothing. May be nil.
	OnAdvance func(nextNonce uint64)
}

// SearchResult is a winning find.
type SearchResult struct {
	Nonce    uint64
	Digest   Digest
	Attempts uint64
}

// Scheduler drives the nonce search in bounded batches against a single
// compute backend, falling back to software when the backend fails and
// halving the batch size on the way down.
type Scheduler struct {
	cfg      SchedulerConfig
	logger   *zap.Logger
	backend  Backend
	fallback Backend
	recorder *HashRateRecorder
	state    atomic.Int32
}

// NewScheduler creates a scheduler that dispatches to backend and retries
// on fallback after a failure. fallback may equal backend when no
// accelerated path exists. recorder may be nil.
func NewScheduler(cfg SchedulerConfig, backend, fallback Backend, recorder *HashRateRecorder, logger *zap.Logger) *Scheduler {
	if fallback == nil {
		fallback = backend
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("scheduler"),
		backend:  backend,
		fallback: fallback,
		recorder: recorder,
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() SchedState {
	return SchedState(s.state.Load())
}

// Search runs batches until a nonce meets the target, the height is
// superseded, the attempt ceiling is hit, or ctx is cancelled. Nonces are
// visited in increasing order without gaps or duplicates across batches.
func (s *Scheduler) Search(ctx context.Context, sc SearchContext) (*SearchResult, error) {
	if len(sc.Cache) == 0 {
		return nil, fmt.Errorf("search requires a generated cache")
	}
	if sc.Target == nil {
		return nil, fmt.Errorf("search requires a target")
	}

	size := s.cfg.BatchSize
	nonce := sc.StartNonce
	var attempts uint64

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if sc.StillCurrent != nil && !sc.StillCurrent() {
			return nil, ErrSuperseded
		}
		if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
			return nil, ErrMaxAttempts
		}

		count := size
		if s.cfg.MaxAttempts > 0 {
			if remaining := s.cfg.MaxAttempts - attempts; uint64(count) > remaining {
				count = int(remaining)
			}
		}

		job := BatchJob{
			Height:   sc.Height,
			PrevHash: sc.PrevHash,
			Start:    nonce,
			Count:    count,
			Cache:    sc.Cache,
		}

		s.state.Store(int32(SchedBatchRunning))
		found, usedBackend, evaluated, newSize, err := s.runBatch(ctx, job, sc.Target, size)
		s.state.Store(int32(SchedIdle))
		size = newSize
		if err != nil {
			return nil, err
		}

		if s.recorder != nil {
			s.recorder.Add(usedBackend.ID(), uint64(evaluated))
		}
		attempts += uint64(evaluated)

		if found != nil {
			found.Attempts = attempts
			s.logger.Info("nonce found",
				zap.Uint64("height", sc.Height),
				zap.Uint64("nonce", found.Nonce),
				zap.Uint64("attempts", attempts),
			)
			return found, nil
		}

		nonce += uint64(evaluated)
		if sc.OnAdvance != nil {
			sc.OnAdvance(nonce)
		}

		if s.cfg.LowLatency {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lowLatencyDelay):
			}
		}
	}
}

// runBatch dispatches one batch. On a backend failure the batch size is
// halved (floored at the minimum) and the batch is retried once on the
// fallback backend; a second failure propagates. It returns how many
// nonces were actually evaluated and the size the next batch should use.
func (s *Scheduler) runBatch(ctx context.Context, job BatchJob, target *big.Int, size int) (*SearchResult, Backend, int, int, error) {
	backend := s.backend
	if !backend.Active() {
		backend = s.fallback
	}

	found, checked, err := s.dispatch(ctx, backend, job, target)
	if err == nil {
		return found, backend, checked, size, nil
	}
	if ctx.Err() != nil {
		return nil, backend, 0, size, ctx.Err()
	}

	if accel, ok := backend.(*AcceleratedBackend); ok {
		accel.Demote()
	}

	size = maxInt(s.cfg.MinBatchSize, size/2)
	job.Count = minInt(job.Count, size)
	s.logger.Warn("batch failed, retrying on fallback",
		zap.String("backend", backend.ID()),
		zap.Int("batch_size", size),
		zap.Error(err),
	)

	found, checked, retryErr := s.dispatch(ctx, s.fallback, job, target)
	if retryErr != nil {
		return nil, s.fallback, 0, size, fmt.Errorf("batch retry failed: %w", retryErr)
	}
	return found, s.fallback, checked, size, nil
}

// dispatch evaluates the batch on the backend for throughput accounting and
// then, independent of the backend's advisory scores, checks every nonce's
// authoritative digest against the target. Chunk boundaries are yield and
// cancellation points. The second return value is how many nonces were
// actually checked; a winning find stops the sweep early, so hash-rate and
// attempt accounting must use it instead of job.Count.
func (s *Scheduler) dispatch(ctx context.Context, backend Backend, job BatchJob, target *big.Int) (*SearchResult, int, error) {
	if _, err := backend.Evaluate(ctx, job); err != nil {
		return nil, 0, err
	}

	// Authoritative recheck. Backend scores are advisory only.
	chunk := s.cfg.ChunkSize
	for base := 0; base < job.Count; base += chunk {
		select {
		case <-ctx.Done():
			return nil, base, ctx.Err()
		default:
		}

		end := minInt(base+chunk, job.Count)
		for i := base; i < end; i++ {
			n := job.Start + uint64(i)
			digest := HashBlock(job.Height, job.PrevHash, n, job.Cache)
			if MeetsTarget(digest, target) {
				return &SearchResult{Nonce: n, Digest: digest}, i + 1, nil
			}
		}
		runtime.Gosched()
	}
	return nil, job.Count, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
