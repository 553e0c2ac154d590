package pagedllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.BlockSize)
	assert.Equal(t, 1024, cfg.NumBlocks)
	assert.True(t, cfg.EnablePrefixCache)
}

func TestConfigRejectsModelLenBeyondPool(t *testing.T) {
	// A lone max-length sequence must always fit the pool, or the scheduler
	// has nothing left to preempt.
	_, err := NewConfig(WithBlockSize(4), WithNumBlocks(2), WithMaxNumBatchedTokens(64))
	require.Error(t, err)

	_, err = NewConfig(WithBlockSize(4), WithNumBlocks(2), WithMaxNumBatchedTokens(64), WithMaxModelLen(8))
	require.NoError(t, err)
}

func TestConfigRejectsBadBudget(t *testing.T) {
	_, err := NewConfig(WithBlockSize(256), WithMaxNumBatchedTokens(16))
	require.Error(t, err)
}
