package pagedllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceSnapshotRoundtrip(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, NewSamplingParams(WithMaxTokens(16)))
	seq.AppendToken(4)
	seq.AppendToken(5)
	seq.NumComputedTokens = 4
	seq.NumCachedTokens = 3

	blob, err := seq.Snapshot()
	require.NoError(t, err)

	// Scribble over the live state, then restore.
	seq.TokenIDs = nil
	seq.NumTokens = 0
	require.NoError(t, seq.Restore(blob))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, seq.TokenIDs)
	assert.Equal(t, 5, seq.NumTokens)
	assert.Equal(t, 3, seq.NumPromptTokens)
	assert.Equal(t, 5, seq.LastToken)

	// KV accounting resets so everything is recomputed on resume.
	assert.Equal(t, 0, seq.NumComputedTokens)
	assert.Equal(t, 0, seq.NumCachedTokens)
}

func TestSequenceRestoreRejectsForeignSnapshot(t *testing.T) {
	seq1 := NewSequence([]int{1}, NewSamplingParams())
	seq2 := NewSequence([]int{2}, NewSamplingParams())

	blob, err := seq1.Snapshot()
	require.NoError(t, err)
	require.Error(t, seq2.Restore(blob))
}

func TestMemorySwapStore(t *testing.T) {
	store := NewMemorySwapStore()

	_, ok := store.Get(7)
	assert.False(t, ok)

	store.Put(7, []byte{1, 2, 3})
	blob, ok := store.Get(7)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob)

	store.Delete(7)
	_, ok = store.Get(7)
	assert.False(t, ok)
}
