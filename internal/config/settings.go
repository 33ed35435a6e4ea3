package config

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Runtime-settable keys. Set rejects anything outside this list.
const (
	KeyMiningAddress = "mining_address"
	KeyBatchSize     = "batch_size"
	KeyCacheSize     = "cache_size"
	KeyMaxAttempts   = "max_attempts"
	KeyBackends      = "backends"
	KeyLowLatency    = "low_latency"
)

// ErrUnknownKey is returned for a key outside the enumerated set.
var ErrUnknownKey = errors.New("unknown setting key")

// Settings holds the runtime-mutable mining configuration. All accessors
// are safe for concurrent use; a rejected Set leaves no partial state.
type Settings struct {
	mu          sync.RWMutex
	address     string
	batchSize   int
	cacheSize   int
	maxAttempts uint64
	backends    int
	lowLatency  bool
}

// NewSettings seeds runtime settings from the loaded mining configuration.
func NewSettings(m MiningConfig) *Settings {
	return &Settings{
		address:     m.Address,
		batchSize:   m.BatchSize,
		cacheSize:   m.CacheSize,
		maxAttempts: m.MaxAttempts,
		backends:    m.Backends,
		lowLatency:  m.LowLatency,
	}
}

// Set updates one runtime setting from its string form. Invalid keys and
// values are rejected synchronously without changing anything.
func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case KeyMiningAddress:
		if value == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		s.address = value

	case KeyBatchSize:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n < MinBatchSize {
			return fmt.Errorf("%s must be at least %d", key, MinBatchSize)
		}
		s.batchSize = n

	case KeyCacheSize:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
		s.cacheSize = n

	case KeyMaxAttempts:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.maxAttempts = n

	case KeyBackends:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n < 1 {
			return fmt.Errorf("%s must be at least 1", key)
		}
		s.backends = n

	case KeyLowLatency:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.lowLatency = b

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// Apply overwrites the runtime settings from a freshly loaded mining
// configuration. Used by the config watcher.
func (s *Settings) Apply(m MiningConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = m.Address
	s.batchSize = m.BatchSize
	s.cacheSize = m.CacheSize
	s.maxAttempts = m.MaxAttempts
	s.backends = m.Backends
	s.lowLatency = m.LowLatency
}

func (s *Settings) MiningAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

func (s *Settings) BatchSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batchSize
}

func (s *Settings) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize
}

func (s *Settings) MaxAttempts() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxAttempts
}

func (s *Settings) Backends() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends
}

func (s *Settings) LowLatency() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowLatency
}
