package pagedllm

// BatchItem describes one sequence advancing in a step. Token and block
// table slices are copies; the executor never sees live scheduler state.
type BatchItem struct {
	SeqID int64
	// NumNewTokens is how many token positions the executor must compute
	// this step: a prefill chunk size, or 1 for a decode.
	NumNewTokens int
	IsPrefill    bool
	// TokenIDs holds the tokens being fed this step: the prompt chunk for a
	// prefill, or the single previously-generated token for a decode.
	TokenIDs []int
	// NumComputedTokens is the position offset at which TokenIDs start.
	NumComputedTokens int
	// PrefixTokenIDs holds the tokens before NumComputedTokens, set on
	// prefill items. A prefix-cache hit admits a sequence at a nonzero
	// position, so stateless executors need these to rebuild the full
	// context.
	PrefixTokenIDs []int
	// BlockTable snapshots the sequence's physical block ids.
	BlockTable []int
	// Temperature is the sequence's sampling temperature; 0 means greedy.
	Temperature float64
}

// BatchDescriptor is the read-only view of one scheduling step handed to
// the executor.
type BatchDescriptor struct {
	Step  int64
	Items []BatchItem
}

// NumTokens returns the total tokens the executor will compute.
func (b *BatchDescriptor) NumTokens() int {
	n := 0
	for _, item := range b.Items {
		n += item.NumNewTokens
	}
	return n
}

// BlockIDs returns the union of block ids referenced by the batch, used to
// pin them for the duration of the executor call.
func (b *BatchDescriptor) BlockIDs() []int {
	seen := make(map[int]bool)
	ids := make([]int, 0)
	for _, item := range b.Items {
		for _, id := range item.BlockTable {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
