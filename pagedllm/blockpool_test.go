package pagedllm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeq(t *testing.T, tokens []int, blockSize int) *Sequence {
	t.Helper()
	seq := NewSequence(tokens, NewSamplingParams())
	seq.BlockSize = blockSize
	return seq
}

func rangeTokens(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}

func TestBlockPoolCreation(t *testing.T) {
	pool := NewBlockPool(100, 256, true, nil)

	if pool.Capacity() != 100 {
		t.Errorf("Expected 100 blocks, got %d", pool.Capacity())
	}

	if pool.NumFree() != 100 {
		t.Errorf("Expected 100 free blocks, got %d", pool.NumFree())
	}

	if pool.BlockSize() != 256 {
		t.Errorf("Expected block size 256, got %d", pool.BlockSize())
	}
}

func TestBlockPoolAllocatePrompt(t *testing.T) {
	pool := NewBlockPool(100, 256, true, nil)
	seq := newSeq(t, rangeTokens(300), 256)

	if !pool.CanAllocate(seq) {
		t.Errorf("Should be able to allocate sequence")
	}

	if err := pool.AllocatePrompt(seq); err != nil {
		t.Fatalf("AllocatePrompt failed: %v", err)
	}

	if seq.Table.Len() != 2 {
		t.Errorf("Expected 2 blocks allocated, got %d", seq.Table.Len())
	}

	if pool.NumFree() != 98 {
		t.Errorf("Expected 98 free blocks after allocation, got %d", pool.NumFree())
	}
}

func TestBlockPoolRelease(t *testing.T) {
	pool := NewBlockPool(100, 256, true, nil)
	seq := newSeq(t, rangeTokens(300), 256)

	if err := pool.AllocatePrompt(seq); err != nil {
		t.Fatalf("AllocatePrompt failed: %v", err)
	}
	pool.Release(seq)

	if seq.Table.Len() != 0 {
		t.Errorf("Expected block table to be empty after release")
	}

	if pool.NumFree() != 100 {
		t.Errorf("Expected 100 free blocks after release, got %d", pool.NumFree())
	}

	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after release, got %d", seq.NumCachedTokens)
	}
}

func TestBlockPoolPrefixSharing(t *testing.T) {
	pool := NewBlockPool(100, 256, true, nil)

	seq1 := newSeq(t, rangeTokens(256), 256)
	seq2 := newSeq(t, rangeTokens(256), 256)

	require.NoError(t, pool.AllocatePrompt(seq1))
	require.NoError(t, pool.AllocatePrompt(seq2))

	// Identical prompts resolve to the same physical block.
	assert.Equal(t, seq1.Table.Get(0), seq2.Table.Get(0))
	assert.Equal(t, 2, pool.RefCount(seq1.Table.Get(0)))
	assert.Equal(t, 256, seq2.NumCachedTokens)
	assert.Equal(t, 99, pool.NumFree())
}

func TestChainHashDeterministic(t *testing.T) {
	tokens := []int{1, 2, 3, 4, 5}

	if ChainHash(tokens, 0) != ChainHash(tokens, 0) {
		t.Errorf("Hash should be deterministic")
	}

	if ChainHash(tokens, 0) == ChainHash([]int{1, 2, 3, 4, 6}, 0) {
		t.Errorf("Different token ids should produce different hashes")
	}

	// Same tokens behind a different prefix chain must not collide.
	if ChainHash(tokens, 7) == ChainHash(tokens, 8) {
		t.Errorf("Different prefix chains should produce different hashes")
	}
}

func TestBlockPoolOutOfMemory(t *testing.T) {
	pool := NewBlockPool(2, 4, true, nil)

	_, err := pool.Reserve(3)
	require.ErrorIs(t, err, ErrOutOfMemory)
	// Failed reservations roll back fully.
	assert.Equal(t, 2, pool.NumFree())

	ids, err := pool.Reserve(2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 0, pool.NumFree())
}

func TestBlockPoolSoftCacheRevival(t *testing.T) {
	pool := NewBlockPool(4, 4, true, nil)

	seq1 := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq1))
	sharedID := seq1.Table.Get(0)
	pool.Release(seq1)
	assert.Equal(t, 4, pool.NumFree())

	// The released block keeps its contents; an identical prompt revives
	// it instead of allocating a fresh block.
	seq2 := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq2))
	assert.Equal(t, sharedID, seq2.Table.Get(0))
	assert.Equal(t, 4, seq2.NumCachedTokens)
	assert.Equal(t, 1, pool.RefCount(sharedID))
}

func TestBlockPoolLRUEvictionOrder(t *testing.T) {
	pool := NewBlockPool(2, 4, true, nil)

	seqA := newSeq(t, []int{1, 2, 3, 4}, 4)
	seqB := newSeq(t, []int{5, 6, 7, 8}, 4)
	require.NoError(t, pool.AllocatePrompt(seqA))
	require.NoError(t, pool.AllocatePrompt(seqB))
	idA := seqA.Table.Get(0)
	idB := seqB.Table.Get(0)

	// Release A before B: A is the colder cache entry.
	pool.Release(seqA)
	pool.Release(seqB)

	// A new allocation must evict A's contents first.
	seqC := newSeq(t, []int{9, 10, 11, 12}, 4)
	require.NoError(t, pool.AllocatePrompt(seqC))
	assert.Equal(t, idA, seqC.Table.Get(0))

	// B's contents survived and are still revivable.
	seqD := newSeq(t, []int{5, 6, 7, 8}, 4)
	require.NoError(t, pool.AllocatePrompt(seqD))
	assert.Equal(t, idB, seqD.Table.Get(0))
	assert.Equal(t, 4, seqD.NumCachedTokens)
}

func TestBlockPoolEvictedHashUnreachable(t *testing.T) {
	pool := NewBlockPool(1, 4, true, nil)

	seq1 := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq1))
	pool.Release(seq1)

	// Recycling the only block must drop its old hash registration.
	seq2 := newSeq(t, []int{5, 6, 7, 8}, 4)
	require.NoError(t, pool.AllocatePrompt(seq2))
	pool.Release(seq2)

	seq3 := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq3))
	assert.Equal(t, 0, seq3.NumCachedTokens, "stale cache entry resolved after eviction")
}

func TestBlockPoolAppendSlotGrowth(t *testing.T) {
	pool := NewBlockPool(4, 4, true, nil)
	seq := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq))
	require.Equal(t, 1, seq.Table.Len())

	// Token 5 spills into a fresh block.
	seq.AppendToken(5)
	require.True(t, pool.CanAppendToken(seq))
	require.NoError(t, pool.AppendSlot(seq))
	assert.Equal(t, 2, seq.Table.Len())

	// Tokens 6 and 7 stay within the exclusively owned trailing block.
	seq.AppendToken(6)
	require.NoError(t, pool.AppendSlot(seq))
	seq.AppendToken(7)
	require.NoError(t, pool.AppendSlot(seq))
	assert.Equal(t, 2, seq.Table.Len())

	// Token 8 fills the block; AppendSlot seals and registers it.
	seq.AppendToken(8)
	require.NoError(t, pool.AppendSlot(seq))
	last := seq.Table.Get(1)
	assert.True(t, pool.blocks[last].Sealed())
	assert.Equal(t, []int{5, 6, 7, 8}, pool.blocks[last].TokenIDs)
}

func TestBlockPoolCopyOnWrite(t *testing.T) {
	pool := NewBlockPool(4, 4, true, nil)

	// seqA owns a partial block; manufacture a second holder the way a
	// sequence fork would.
	seqA := newSeq(t, []int{1, 2, 3}, 4)
	require.NoError(t, pool.AllocatePrompt(seqA))
	shared := seqA.Table.Get(0)

	seqB := newSeq(t, []int{1, 2, 3}, 4)
	pool.blocks[shared].RefCount++
	seqB.Table.Append(shared)

	// seqB writes into the shared block and must get a private copy.
	seqB.AppendToken(9)
	require.True(t, pool.CanAppendToken(seqB))
	require.NoError(t, pool.AppendSlot(seqB))

	forked := seqB.Table.Get(0)
	assert.NotEqual(t, shared, forked)
	assert.Equal(t, 1, pool.RefCount(shared))
	assert.Equal(t, 1, pool.RefCount(forked))

	// seqA's view of the original block is untouched.
	assert.Equal(t, []int{1, 2, 3}, seqA.Block(0))
	assert.False(t, pool.blocks[shared].Sealed())
}

func TestBlockPoolForkForWriteSoleOwnerNoop(t *testing.T) {
	pool := NewBlockPool(2, 4, true, nil)
	seq := newSeq(t, []int{1, 2, 3}, 4)
	require.NoError(t, pool.AllocatePrompt(seq))
	id := seq.Table.Get(0)

	require.NoError(t, pool.ForkForWrite(seq))
	assert.Equal(t, id, seq.Table.Get(0))
	assert.Equal(t, 1, pool.NumFree())
}

func TestBlockPoolNoOverallocation(t *testing.T) {
	pool := NewBlockPool(3, 4, true, nil)

	seqs := make([]*Sequence, 0)
	for i := 0; ; i++ {
		seq := newSeq(t, []int{i * 4, i*4 + 1, i*4 + 2, i*4 + 3}, 4)
		if err := pool.AllocatePrompt(seq); err != nil {
			require.True(t, errors.Is(err, ErrOutOfMemory))
			break
		}
		seqs = append(seqs, seq)
		require.LessOrEqual(t, pool.NumUsed(), pool.Capacity())
	}
	require.Len(t, seqs, 3)
	assert.Equal(t, 0, pool.NumFree())
}

func TestBlockPoolRefCountMatchesHolders(t *testing.T) {
	pool := NewBlockPool(8, 4, true, nil)

	prompt := rangeTokens(8)
	seqs := []*Sequence{
		newSeq(t, prompt, 4),
		newSeq(t, prompt, 4),
		newSeq(t, prompt, 4),
	}
	for _, seq := range seqs {
		require.NoError(t, pool.AllocatePrompt(seq))
	}

	holders := make(map[int]int)
	for _, seq := range seqs {
		for _, id := range seq.Table.IDs() {
			holders[id]++
		}
	}
	for id, n := range holders {
		assert.Equal(t, n, pool.RefCount(id), "block %d", id)
	}

	// Releases bring every count back to zero, exactly once.
	for _, seq := range seqs {
		pool.Release(seq)
	}
	assert.Equal(t, 8, pool.NumFree())
	for id := range holders {
		assert.Equal(t, 0, pool.RefCount(id), "block %d", id)
	}
}

func TestBlockPoolPinnedBlocksNotRecycled(t *testing.T) {
	pool := NewBlockPool(1, 4, true, nil)

	seq := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq))
	id := seq.Table.Get(0)

	pool.Pin([]int{id})
	pool.Release(seq)

	// The block is free but pinned by an in-flight batch, so the
	// allocator must refuse to hand it out.
	other := newSeq(t, []int{5, 6, 7, 8}, 4)
	require.ErrorIs(t, pool.AllocatePrompt(other), ErrOutOfMemory)

	// With the pin gone it becomes reusable again.
	pool.Unpin([]int{id})
	require.NoError(t, pool.AllocatePrompt(other))
	assert.Equal(t, id, other.Table.Get(0))
}

func TestBlockPoolSharedPromptScenario(t *testing.T) {
	// Pool of 4 blocks of 4 tokens; two identical 4-token prompts share a
	// single block, then one sequence diverges into its own block.
	pool := NewBlockPool(4, 4, true, nil)

	seq1 := newSeq(t, []int{10, 20, 30, 40}, 4)
	seq2 := newSeq(t, []int{10, 20, 30, 40}, 4)
	require.NoError(t, pool.AllocatePrompt(seq1))
	require.NoError(t, pool.AllocatePrompt(seq2))

	shared := seq1.Table.Get(0)
	require.Equal(t, shared, seq2.Table.Get(0))
	assert.Equal(t, 2, pool.RefCount(shared))
	assert.Equal(t, 3, pool.NumFree())

	// seq1 generates a different next token: it gets a private block, and
	// seq2's view of the shared prefix is untouched.
	seq1.AppendToken(50)
	require.NoError(t, pool.AppendSlot(seq1))
	assert.Equal(t, 2, seq1.Table.Len())
	assert.Equal(t, 1, pool.RefCount(seq1.Table.Get(1)))
	assert.Equal(t, 2, pool.NumFree())
	assert.Equal(t, []int{10, 20, 30, 40}, pool.blocks[shared].TokenIDs)

	seq2.AppendToken(60)
	require.NoError(t, pool.AppendSlot(seq2))
	assert.Equal(t, 1, pool.NumFree())
	assert.NotEqual(t, seq1.Table.Get(1), seq2.Table.Get(1))
}

func TestBlockPoolPrefixCacheDisabled(t *testing.T) {
	pool := NewBlockPool(4, 4, false, nil)

	seq1 := newSeq(t, []int{1, 2, 3, 4}, 4)
	seq2 := newSeq(t, []int{1, 2, 3, 4}, 4)
	require.NoError(t, pool.AllocatePrompt(seq1))
	require.NoError(t, pool.AllocatePrompt(seq2))

	assert.NotEqual(t, seq1.Table.Get(0), seq2.Table.Get(0))
	assert.Equal(t, 0, seq2.NumCachedTokens)

	// No hash registrations accumulate while the cache is off.
	assert.Empty(t, pool.hashToBlockID)
}
