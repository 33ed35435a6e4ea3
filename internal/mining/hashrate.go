package mining

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultHashRateWindow is how much recent history the short-window rate
// covers.
const DefaultHashRateWindow = 30 * time.Second

type rateSample struct {
	at    time.Time
	total uint64
}

// HashRateRecorder tracks lifetime and short-window hash rates with
// per-backend attribution. Counters are bumped from the search loop and
// rolled into samples on a fixed tick.
type HashRateRecorder struct {
	mu         sync.Mutex
	started    time.Time
	total      uint64
	perBackend map[string]uint64
	window     time.Duration
	samples    []rateSample
}

// NewHashRateRecorder creates a recorder with the given rolling window.
func NewHashRateRecorder(window time.Duration) *HashRateRecorder {
	if window <= 0 {
		window = DefaultHashRateWindow
	}
	return &HashRateRecorder{
		started:    time.Now(),
		perBackend: make(map[string]uint64),
		window:     window,
	}
}

// Add credits n evaluated hashes to the named backend.
func (r *HashRateRecorder) Add(backendID string, n uint64) {
	r.mu.Lock()
	r.total += n
	r.perBackend[backendID] += n
	r.mu.Unlock()
}

// Tick records a sample point and prunes history older than the window.
// Call it on a fixed interval.
func (r *HashRateRecorder) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.samples = append(r.samples, rateSample{at: now, total: r.total})

	cutoff := now.Add(-r.window)
	for len(r.samples) > 0 && r.samples[0].at.Before(cutoff) {
		r.samples = r.samples[1:]
	}
}

// Lifetime returns hashes per second since the recorder was created.
func (r *HashRateRecorder) Lifetime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.total) / elapsed
}

// Window returns the mean hashes-per-second rate over the recent sample
// window, or zero until at least two ticks have been recorded.
func (r *HashRateRecorder) Window() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) < 2 {
		return 0
	}

	rates := make([]float64, 0, len(r.samples)-1)
	for i := 1; i < len(r.samples); i++ {
		dt := r.samples[i].at.Sub(r.samples[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		rates = append(rates, float64(r.samples[i].total-r.samples[i-1].total)/dt)
	}
	if len(rates) == 0 {
		return 0
	}
	return stat.Mean(rates, nil)
}

// Total returns the lifetime hash count.
func (r *HashRateRecorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// BackendTotals returns a copy of the per-backend hash counts.
func (r *HashRateRecorder) BackendTotals() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.perBackend))
	for id, n := range r.perBackend {
		out[id] = n
	}
	return out
}
