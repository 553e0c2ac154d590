package pagedllm

import (
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/sirupsen/logrus"
)

// BlockPool owns the fixed arena of KV cache blocks. It tracks free and
// allocated state, reference counts for prefix sharing, and a content-hash
// index for prefix-cache lookups.
//
// The free list is kept in least-recently-released order: the front entry is
// the coldest block and is reused (evicted) first. Released blocks keep
// their contents and hash registration until reuse, so a block that is
// referenced again before being recycled is revived without recompute.
//
// The pool is mutated only by the scheduler loop; it is not safe for
// concurrent use.
type BlockPool struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	free          *linkedhashmap.Map
	used          map[int]bool
	pinned        map[int]bool
	enableCache   bool
	metrics       *Metrics
	log           *logrus.Entry
}

// NewBlockPool creates a pool of numBlocks blocks of blockSize tokens each.
func NewBlockPool(numBlocks, blockSize int, enableCache bool, metrics *Metrics) *BlockPool {
	blocks := make([]*Block, numBlocks)
	free := linkedhashmap.New()
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
		free.Put(i, struct{}{})
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	metrics.FreeBlocks.Set(float64(numBlocks))

	return &BlockPool{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		free:          free,
		used:          make(map[int]bool),
		pinned:        make(map[int]bool),
		enableCache:   enableCache,
		metrics:       metrics,
		log:           logrus.WithField("component", "blockpool"),
	}
}

// Capacity returns the total number of blocks in the pool.
func (p *BlockPool) Capacity() int {
	return len(p.blocks)
}

// BlockSize returns the tokens-per-block granularity.
func (p *BlockPool) BlockSize() int {
	return p.blockSize
}

// NumFree returns the number of blocks on the free list.
func (p *BlockPool) NumFree() int {
	return p.free.Size()
}

// NumUsed returns the number of allocated blocks.
func (p *BlockPool) NumUsed() int {
	return len(p.used)
}

// RefCount returns the reference count of a block.
func (p *BlockPool) RefCount(blockID int) int {
	return p.blocks[blockID].RefCount
}

// allocate takes the least-recently-released free block, discarding its
// cached contents. Pinned blocks are skipped.
func (p *BlockPool) allocate() (*Block, error) {
	victimID := -1
	it := p.free.Iterator()
	for it.Next() {
		id := it.Key().(int)
		if !p.pinned[id] {
			victimID = id
			break
		}
	}
	if victimID == -1 {
		return nil, ErrOutOfMemory
	}

	block := p.blocks[victimID]
	if block.RefCount != 0 {
		panic(fmt.Sprintf("free block %d has refcount %d", victimID, block.RefCount))
	}

	if block.Sealed() {
		// Evicting a soft-cached block: drop its hash registration so
		// stale lookups cannot resolve to recycled contents.
		if id, ok := p.hashToBlockID[block.Hash]; ok && id == victimID {
			delete(p.hashToBlockID, block.Hash)
		}
		p.metrics.Evictions.Inc()
	}

	block.Reset()
	p.free.Remove(victimID)
	p.used[victimID] = true
	p.metrics.FreeBlocks.Set(float64(p.free.Size()))
	return block, nil
}

// releaseBlock drops one reference. At zero the block moves to the tail of
// the free list but keeps its contents (soft cache).
func (p *BlockPool) releaseBlock(blockID int) {
	block := p.blocks[blockID]
	if block.RefCount <= 0 {
		panic(fmt.Sprintf("release of unreferenced block %d", blockID))
	}
	block.RefCount--
	if block.RefCount == 0 {
		delete(p.used, blockID)
		p.free.Put(blockID, struct{}{})
		p.metrics.FreeBlocks.Set(float64(p.free.Size()))
	}
}

// Reserve allocates n blocks, rolling back on failure. It returns the new
// block ids or ErrOutOfMemory if fewer than n blocks can be freed up.
func (p *BlockPool) Reserve(n int) ([]int, error) {
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		block, err := p.allocate()
		if err != nil {
			for _, id := range ids {
				p.releaseBlock(id)
			}
			return nil, err
		}
		ids = append(ids, block.BlockID)
	}
	return ids, nil
}

// lookupCached resolves a sealed-block hash to a physical block, verifying
// token contents to guard against hash collisions.
func (p *BlockPool) lookupCached(hash uint64, tokenIDs []int) int {
	if !p.enableCache {
		return -1
	}
	id, ok := p.hashToBlockID[hash]
	if !ok {
		return -1
	}
	cached := p.blocks[id].TokenIDs
	if len(cached) != len(tokenIDs) {
		return -1
	}
	for i, tid := range tokenIDs {
		if cached[i] != tid {
			return -1
		}
	}
	return id
}

// CanAllocate reports whether a sequence's full prompt could be allocated
// right now. It is conservative: prefix-cache hits can only reduce the
// number of blocks actually consumed.
func (p *BlockPool) CanAllocate(seq *Sequence) bool {
	return p.free.Size() >= seq.NumBlocks()
}

// AllocatePrompt builds a sequence's block table for its prompt, reusing
// cached blocks for every sealed prefix block that matches the hash chain.
// A cache hit on an in-use block increments its reference count; a hit on a
// released block revives it from the free list without recompute.
func (p *BlockPool) AllocatePrompt(seq *Sequence) error {
	if seq.Table.Len() > 0 {
		panic("sequence already has blocks allocated")
	}

	var chain uint64
	cacheMiss := false

	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)

		// Only full blocks are sealed and cacheable.
		sealed := len(tokenIDs) == p.blockSize
		prevHash := chain
		if sealed {
			chain = ChainHash(tokenIDs, chain)
		} else {
			chain = 0
		}

		blockID := -1
		if sealed && !cacheMiss {
			blockID = p.lookupCached(chain, tokenIDs)
		}
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			block, err := p.allocate()
			if err != nil {
				// Roll back everything granted so far.
				p.Release(seq)
				return err
			}
			blockID = block.BlockID
			if sealed {
				block.Seal(chain, prevHash, tokenIDs)
				if p.enableCache {
					p.hashToBlockID[chain] = blockID
				}
				p.metrics.PrefixCacheMisses.Inc()
			}
		} else {
			seq.NumCachedTokens += p.blockSize
			p.metrics.PrefixCacheHits.Inc()
			if p.used[blockID] {
				p.blocks[blockID].RefCount++
			} else {
				// Revive a released-but-cached block.
				p.free.Remove(blockID)
				p.used[blockID] = true
				p.blocks[blockID].RefCount = 1
				p.metrics.FreeBlocks.Set(float64(p.free.Size()))
			}
		}

		seq.Table.Append(blockID)
	}

	return nil
}

// Release returns every block held by a sequence, in reverse order so the
// deepest (least shareable) blocks become eviction candidates first.
func (p *BlockPool) Release(seq *Sequence) {
	ids := seq.Table.IDs()
	for i := len(ids) - 1; i >= 0; i-- {
		p.releaseBlock(ids[i])
	}
	seq.NumCachedTokens = 0
	seq.Table.Clear()
}

// CanAppendToken reports whether the sequence's newest token can get a KV
// slot this step: spilling into a new block and forking a shared trailing
// block each need one free block.
func (p *BlockPool) CanAppendToken(seq *Sequence) bool {
	rem := seq.NumTokens % p.blockSize
	if rem == 1 {
		// The newest token starts a fresh block.
		return p.free.Size() >= 1
	}
	if p.blocks[seq.Table.Last()].RefCount > 1 {
		// Writing into a shared block forces a copy-on-write fork.
		return p.free.Size() >= 1
	}
	return true
}

// AppendSlot makes room for the sequence's newest token, whose KV state is
// computed this step. Three cases on the trailing block: the token spilled
// past it (allocate a new block), it just became full (seal it), or it is
// being written mid-block (fork copy-on-write if shared). Fails with
// ErrOutOfMemory when a needed block cannot be allocated.
func (p *BlockPool) AppendSlot(seq *Sequence) error {
	if seq.Table.Len() == 0 {
		panic("append on a sequence with no blocks")
	}

	switch rem := seq.NumTokens % p.blockSize; {
	case rem == 1:
		block, err := p.allocate()
		if err != nil {
			return err
		}
		seq.Table.Append(block.BlockID)
	case rem == 0:
		if p.blocks[seq.Table.Last()].RefCount > 1 {
			if err := p.ForkForWrite(seq); err != nil {
				return err
			}
		}
		p.SealLast(seq)
	default:
		if p.blocks[seq.Table.Last()].RefCount > 1 {
			return p.ForkForWrite(seq)
		}
	}
	return nil
}

// ForkForWrite performs copy-on-write on a sequence's trailing block: when
// the block is shared, the sequence gets a private copy and drops its
// reference to the original, leaving the other holders' contents untouched.
// Sole ownership is a no-op.
func (p *BlockPool) ForkForWrite(seq *Sequence) error {
	origID := seq.Table.Last()
	orig := p.blocks[origID]
	if orig.RefCount <= 1 {
		return nil
	}

	fresh, err := p.allocate()
	if err != nil {
		return err
	}
	fresh.TokenIDs = append(fresh.TokenIDs[:0], orig.TokenIDs...)
	orig.RefCount--
	seq.Table.ReplaceLast(fresh.BlockID)

	p.log.WithFields(logrus.Fields{
		"seq_id": seq.SeqID,
		"from":   origID,
		"to":     fresh.BlockID,
	}).Debug("copy-on-write fork")
	return nil
}

// SealLast hashes and registers a sequence's trailing block once it is
// full. Called after the append that filled the block.
func (p *BlockPool) SealLast(seq *Sequence) {
	if seq.NumTokens%p.blockSize != 0 {
		return
	}
	last := p.blocks[seq.Table.Last()]
	if last.Sealed() {
		return
	}

	var prevHash uint64
	if seq.Table.Len() > 1 {
		prevHash = p.blocks[seq.Table.Get(seq.Table.Len() - 2)].Hash
	}
	tokenIDs := seq.Block(seq.NumBlocks() - 1)
	hash := ChainHash(tokenIDs, prevHash)
	last.Seal(hash, prevHash, tokenIDs)
	if p.enableCache {
		p.hashToBlockID[hash] = last.BlockID
	}
}

// Pin marks blocks as read by an in-flight executor batch; pinned blocks are
// never handed out by the allocator even if their references drop.
func (p *BlockPool) Pin(blockIDs []int) {
	for _, id := range blockIDs {
		p.pinned[id] = true
	}
}

// Unpin releases the executor pins for a completed batch.
func (p *BlockPool) Unpin(blockIDs []int) {
	for _, id := range blockIDs {
		delete(p.pinned, id)
	}
}
