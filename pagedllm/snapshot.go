package pagedllm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// sequenceSnapshot is the resumable state of a preempted sequence: enough
// to rebuild its KV cache from scratch once it is re-admitted. Cached
// block state is deliberately absent, it is recomputed (or re-hit in the
// prefix cache) on resume.
type sequenceSnapshot struct {
	SeqID           int64   `cbor:"1,keyasint"`
	RequestID       string  `cbor:"2,keyasint"`
	TokenIDs        []int   `cbor:"3,keyasint"`
	NumPromptTokens int     `cbor:"4,keyasint"`
	Temperature     float64 `cbor:"5,keyasint"`
	MaxTokens       int     `cbor:"6,keyasint"`
	IgnoreEOS       bool    `cbor:"7,keyasint"`
}

// Snapshot encodes the sequence's resumable state.
func (s *Sequence) Snapshot() ([]byte, error) {
	snap := sequenceSnapshot{
		SeqID:           s.SeqID,
		RequestID:       s.RequestID,
		TokenIDs:        s.TokenIDs,
		NumPromptTokens: s.NumPromptTokens,
		Temperature:     s.Temperature,
		MaxTokens:       s.MaxTokens,
		IgnoreEOS:       s.IgnoreEOS,
	}
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode sequence %d snapshot: %w", s.SeqID, err)
	}
	return data, nil
}

// Restore overwrites the sequence's token state from a snapshot and resets
// its KV accounting so the whole prompt-so-far is recomputed.
func (s *Sequence) Restore(data []byte) error {
	var snap sequenceSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode sequence %d snapshot: %w", s.SeqID, err)
	}
	if snap.SeqID != s.SeqID {
		return fmt.Errorf("snapshot is for sequence %d, not %d", snap.SeqID, s.SeqID)
	}

	s.TokenIDs = snap.TokenIDs
	s.NumTokens = len(snap.TokenIDs)
	s.NumPromptTokens = snap.NumPromptTokens
	if s.NumTokens > 0 {
		s.LastToken = s.TokenIDs[s.NumTokens-1]
	}
	s.NumCachedTokens = 0
	s.NumComputedTokens = 0
	return nil
}

// SwapStore holds snapshots of swapped-out sequences. The interface exists
// so swap space can live off-heap or on disk; the engine default keeps it
// in memory.
type SwapStore interface {
	Put(seqID int64, data []byte)
	Get(seqID int64) ([]byte, bool)
	Delete(seqID int64)
}

// MemorySwapStore is the in-memory SwapStore.
type MemorySwapStore struct {
	blobs map[int64][]byte
}

// NewMemorySwapStore creates an empty in-memory swap store.
func NewMemorySwapStore() *MemorySwapStore {
	return &MemorySwapStore{blobs: make(map[int64][]byte)}
}

func (m *MemorySwapStore) Put(seqID int64, data []byte) {
	m.blobs[seqID] = data
}

func (m *MemorySwapStore) Get(seqID int64) ([]byte, bool) {
	data, ok := m.blobs[seqID]
	return data, ok
}

func (m *MemorySwapStore) Delete(seqID int64) {
	delete(m.blobs, seqID)
}
