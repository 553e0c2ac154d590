package pagedllm

// BlockTable maps a sequence's logical token positions onto physical block
// ids, one entry per blockSize tokens. Every entry except possibly the last
// refers to a sealed block; the last may be partially filled.
type BlockTable struct {
	ids []int
}

// NewBlockTable creates an empty block table.
func NewBlockTable() *BlockTable {
	return &BlockTable{ids: make([]int, 0)}
}

// Len returns the number of blocks in the table.
func (bt *BlockTable) Len() int {
	return len(bt.ids)
}

// Append adds a block id at the end of the table.
func (bt *BlockTable) Append(blockID int) {
	bt.ids = append(bt.ids, blockID)
}

// Last returns the trailing block id, or -1 for an empty table.
func (bt *BlockTable) Last() int {
	if len(bt.ids) == 0 {
		return -1
	}
	return bt.ids[len(bt.ids)-1]
}

// ReplaceLast swaps the trailing entry for a new block id. Used by
// copy-on-write when a shared trailing block is forked.
func (bt *BlockTable) ReplaceLast(blockID int) {
	bt.ids[len(bt.ids)-1] = blockID
}

// Get returns the i-th block id.
func (bt *BlockTable) Get(i int) int {
	return bt.ids[i]
}

// IDs returns the underlying slice. Callers must not keep it across
// scheduler steps; use Snapshot for that.
func (bt *BlockTable) IDs() []int {
	return bt.ids
}

// Snapshot returns an independent copy suitable for handing to the executor.
func (bt *BlockTable) Snapshot() []int {
	out := make([]int, len(bt.ids))
	copy(out, bt.ids)
	return out
}

// Clear empties the table, keeping capacity.
func (bt *BlockTable) Clear() {
	bt.ids = bt.ids[:0]
}
