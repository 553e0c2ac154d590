package pagedllm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block is one fixed-capacity slot of KV cache storage. A block is "sealed"
// once it holds a full blockSize worth of tokens; only sealed blocks carry a
// content hash and participate in prefix caching.
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	PrevHash uint64
	TokenIDs []int
}

// NewBlock creates an empty block with the given id.
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		TokenIDs: make([]int, 0),
	}
}

// Seal records the content hash and token contents of a full block.
func (b *Block) Seal(hash, prevHash uint64, tokenIDs []int) {
	b.Hash = hash
	b.PrevHash = prevHash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset prepares a block for reuse by a new owner.
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.PrevHash = 0
	b.TokenIDs = b.TokenIDs[:0]
}

// Sealed reports whether the block has a recorded content hash.
func (b *Block) Sealed() bool {
	return b.Hash != 0
}

// ChainHash computes the chained content hash of a full block: the
// predecessor block's hash (when present) followed by the token ids, all in
// little-endian. Chaining means identical token runs at different prefix
// positions never collide, while identical prefixes always do.
func ChainHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}

	var buf [4]byte
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:], uint32(tokenID))
		h.Write(buf[:])
	}

	return h.Sum64()
}
