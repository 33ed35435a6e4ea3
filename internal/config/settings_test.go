package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings() *Settings {
	return NewSettings(Default().Mining)
}

func TestSetEnumeratedKeys(t *testing.T) {
	s := newTestSettings()

	require.NoError(t, s.Set(KeyMiningAddress, "hib1qexample"))
	require.NoError(t, s.Set(KeyBatchSize, "50000"))
	require.NoError(t, s.Set(KeyCacheSize, "2048"))
	require.NoError(t, s.Set(KeyMaxAttempts, "9000000"))
	require.NoError(t, s.Set(KeyBackends, "3"))
	require.NoError(t, s.Set(KeyLowLatency, "true"))

	assert.Equal(t, "hib1qexample", s.MiningAddress())
	assert.Equal(t, 50000, s.BatchSize())
	assert.Equal(t, 2048, s.CacheSize())
	assert.Equal(t, uint64(9000000), s.MaxAttempts())
	assert.Equal(t, 3, s.Backends())
	assert.True(t, s.LowLatency())
}

func TestSetUnknownKey(t *testing.T) {
	s := newTestSettings()
	err := s.Set("hash_power", "9001")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSetInvalidValueLeavesStateUntouched(t *testing.T) {
	s := newTestSettings()
	before := s.BatchSize()

	assert.Error(t, s.Set(KeyBatchSize, "not-a-number"))
	assert.Error(t, s.Set(KeyBatchSize, "10"))
	assert.Error(t, s.Set(KeyCacheSize, "-1"))
	assert.Error(t, s.Set(KeyBackends, "0"))
	assert.Error(t, s.Set(KeyMiningAddress, ""))
	assert.Error(t, s.Set(KeyLowLatency, "maybe"))

	assert.Equal(t, before, s.BatchSize())
}

func TestApplyOverwritesEverything(t *testing.T) {
	s := newTestSettings()
	require.NoError(t, s.Set(KeyBatchSize, "50000"))

	s.Apply(MiningConfig{
		Address:     "hib1qnew",
		BatchSize:   123_000,
		CacheSize:   64,
		MaxAttempts: 7,
		Backends:    1,
		LowLatency:  true,
	})

	assert.Equal(t, "hib1qnew", s.MiningAddress())
	assert.Equal(t, 123_000, s.BatchSize())
	assert.Equal(t, 64, s.CacheSize())
	assert.Equal(t, uint64(7), s.MaxAttempts())
	assert.Equal(t, 1, s.Backends())
	assert.True(t, s.LowLatency())
}
