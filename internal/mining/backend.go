package mining

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// BackendKind distinguishes the two classes of compute backend.
type BackendKind string

const (
	// BackendSoftware is the always-available fallback that evaluates the
	// authoritative hash directly.
	BackendSoftware BackendKind = "software"
	// BackendAccelerated is the best-effort wide-evaluation path.
	BackendAccelerated BackendKind = "accelerated"
)

// ErrBackendUnavailable is returned when an accelerated backend cannot be
// constructed on this host.
var ErrBackendUnavailable = fmt.Errorf("no suitable acceleration available")

// BatchJob is the read-only context handed to a backend for one batch.
// Backends never mutate it; all search state stays with the scheduler.
type BatchJob struct {
	Height   uint64
	PrevHash Digest
	Start    uint64
	Count    int
	Cache    Cache
}

// Backend evaluates a contiguous nonce range and returns one advisory score
// per nonce. Scores order candidates for cheaper downstream checking; they
// never decide a win. The scheduler recomputes every candidate's digest
// through HashBlock regardless of what a backend reports.
type Backend interface {
	ID() string
	Kind() BackendKind
	Active() bool

	// HashRate is the backend's observed evaluations-per-second estimate.
	HashRate() float64

	// Evaluate must return within a bounded time: it observes ctx between
	// fixed-size sub-chunks and returns ctx.Err() once cancelled.
	Evaluate(ctx context.Context, job BatchJob) ([]uint64, error)
}

// evaluateChunk is how many nonces a backend scores between context checks.
const evaluateChunk = 1000

// rateMeter keeps an exponentially smoothed evaluations-per-second figure.
type rateMeter struct {
	rate atomic.Uint64 // float64 bits
}

func (m *rateMeter) observe(n int, elapsed time.Duration) {
	if elapsed <= 0 || n == 0 {
		return
	}
	instant := float64(n) / elapsed.Seconds()
	prev := m.value()
	next := instant
	if prev > 0 {
		next = prev*0.8 + instant*0.2
	}
	m.rate.Store(math.Float64bits(next))
}

func (m *rateMeter) value() float64 {
	return math.Float64frombits(m.rate.Load())
}

// SoftwareBackend is the fallback compute path. Its scores are the leading
// eight bytes of the authoritative digest, so a zero-prefixed score really
// is a near-target candidate.
type SoftwareBackend struct {
	id     string
	logger *zap.Logger
	meter  rateMeter
	cores  int
}

// NewSoftwareBackend creates the software fallback backend.
func NewSoftwareBackend(logger *zap.Logger) *SoftwareBackend {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = 1
	}
	b := &SoftwareBackend{
		id:     "sw-" + uuid.NewString()[:8],
		logger: logger.Named("backend"),
		cores:  cores,
	}
	b.logger.Info("software backend ready",
		zap.String("id", b.id),
		zap.Int("logical_cores", cores),
	)
	return b
}

func (b *SoftwareBackend) ID() string        { return b.id }
func (b *SoftwareBackend) Kind() BackendKind { return BackendSoftware }
func (b *SoftwareBackend) Active() bool      { return true }
func (b *SoftwareBackend) HashRate() float64 { return b.meter.value() }

// Evaluate scores job.Count nonces starting at job.Start.
func (b *SoftwareBackend) Evaluate(ctx context.Context, job BatchJob) ([]uint64, error) {
	if len(job.Cache) == 0 {
		return nil, fmt.Errorf("evaluate called with empty cache")
	}

	started := time.Now()
	scores := make([]uint64, job.Count)
	for i := 0; i < job.Count; i++ {
		if i%evaluateChunk == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		digest := HashBlock(job.Height, job.PrevHash, job.Start+uint64(i), job.Cache)
		scores[i] = binary.BigEndian.Uint64(digest[0:8])
	}
	b.meter.observe(job.Count, time.Since(started))
	return scores, nil
}

// AcceleratedBackend is the wide-evaluation path. It runs a cheap scoring
// kernel (one SHA3 permutation per nonce instead of the full mixing rounds)
// and is only constructed when the host has either a usable GPU or the SIMD
// features the kernel wants. Output is a prefilter hint only.
type AcceleratedBackend struct {
	id     string
	logger *zap.Logger
	meter  rateMeter
	device string
	active atomic.Bool
}

// NewAcceleratedBackend probes the host and returns ErrBackendUnavailable
// when neither a GPU nor AVX2 is present.
func NewAcceleratedBackend(logger *zap.Logger) (*AcceleratedBackend, error) {
	device := ""

	if gpu, err := ghw.GPU(); err == nil && len(gpu.GraphicsCards) > 0 {
		card := gpu.GraphicsCards[0]
		if card.DeviceInfo != nil && card.DeviceInfo.Product != nil {
			device = card.DeviceInfo.Product.Name
		} else {
			device = "gpu0"
		}
	} else if cpuid.CPU.Supports(cpuid.AVX2) {
		device = "cpu/" + cpuid.CPU.BrandName
	}

	if device == "" {
		return nil, ErrBackendUnavailable
	}

	b := &AcceleratedBackend{
		id:     "accel-" + uuid.NewString()[:8],
		logger: logger.Named("backend"),
		device: device,
	}
	b.active.Store(true)
	b.logger.Info("accelerated backend ready",
		zap.String("id", b.id),
		zap.String("device", device),
	)
	return b, nil
}

func (b *AcceleratedBackend) ID() string        { return b.id }
func (b *AcceleratedBackend) Kind() BackendKind { return BackendAccelerated }
func (b *AcceleratedBackend) Active() bool      { return b.active.Load() }
func (b *AcceleratedBackend) HashRate() float64 { return b.meter.value() }

// Demote marks the backend inactive after a kernel failure. The scheduler
// stops dispatching to it and falls back to software.
func (b *AcceleratedBackend) Demote() {
	if b.active.CompareAndSwap(true, false) {
		b.logger.Warn("accelerated backend demoted", zap.String("id", b.id))
	}
}

// Evaluate runs the prefilter kernel over the nonce range.
func (b *AcceleratedBackend) Evaluate(ctx context.Context, job BatchJob) ([]uint64, error) {
	if !b.active.Load() {
		return nil, fmt.Errorf("backend %s is inactive", b.id)
	}
	if len(job.Cache) == 0 {
		return nil, fmt.Errorf("evaluate called with empty cache")
	}

	started := time.Now()
	scores := make([]uint64, job.Count)

	var buf [8 + DigestSize + 8 + 8]byte
	binary.BigEndian.PutUint64(buf[0:8], job.Height)
	copy(buf[8:8+DigestSize], job.PrevHash[:])
	binary.BigEndian.PutUint64(buf[8+DigestSize:8+DigestSize+8], job.Cache[0])

	for i := 0; i < job.Count; i++ {
		if i%evaluateChunk == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		binary.BigEndian.PutUint64(buf[8+DigestSize+8:], job.Start+uint64(i))
		sum := sha3.Sum256(buf[:])
		scores[i] = binary.BigEndian.Uint64(sum[0:8])
	}
	b.meter.observe(job.Count, time.Since(started))
	return scores, nil
}

// DetectBackends assembles the backend set for a session: an accelerated
// backend when available, always followed by the software fallback. max
// bounds how many are returned (minimum one).
func DetectBackends(logger *zap.Logger, max int) []Backend {
	if max < 1 {
		max = 1
	}

	var backends []Backend
	if accel, err := NewAcceleratedBackend(logger); err == nil {
		backends = append(backends, accel)
	} else {
		logger.Debug("accelerated backend not available", zap.Error(err))
	}
	backends = append(backends, NewSoftwareBackend(logger))

	if len(backends) > max {
		backends = backends[len(backends)-max:]
	}
	return backends
}
