package pagedllm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// SequenceStatus is the lifecycle state of a sequence.
type SequenceStatus int

const (
	// StatusWaiting: admitted to the engine, queued, no KV blocks held.
	StatusWaiting SequenceStatus = iota
	// StatusRunning: holds a block table and advances each step.
	StatusRunning
	// StatusSwapped: preempted; blocks released, state recoverable.
	StatusSwapped
	// StatusFinished: stop condition met. Terminal.
	StatusFinished
	// StatusCancelled: aborted by the client. Terminal.
	StatusCancelled
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the status admits no further transitions.
func (s SequenceStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

var validTransitions = map[SequenceStatus][]SequenceStatus{
	StatusWaiting: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSwapped, StatusFinished, StatusCancelled},
	StatusSwapped: {StatusWaiting, StatusCancelled},
}

// Sequence is the state machine for one generation request: its token
// buffer, sampling configuration, block table and lifecycle status. It is
// owned exclusively by the scheduler; the executor only ever sees read-only
// batch descriptors derived from it.
type Sequence struct {
	SeqID     int64
	RequestID string
	Status    SequenceStatus

	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int

	// NumCachedTokens counts prompt tokens satisfied by prefix-cache hits.
	// NumComputedTokens counts tokens whose KV state has been materialized;
	// while it is below NumPromptTokens the sequence is still prefilling.
	NumCachedTokens   int
	NumComputedTokens int

	Table     *BlockTable
	BlockSize int

	// prefillTarget is how many positions must be computed before the
	// sequence can decode. Set at admission to the full token count, so a
	// resumed sequence recomputes its generated tokens as well.
	prefillTarget int

	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
}

var seqCounter int64

// NewSequence creates a sequence in Waiting state from prompt token ids.
// The token slice is copied; the caller keeps no ownership stake.
func NewSequence(tokenIDs []int, sp *SamplingParams) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	last := 0
	if len(tokens) > 0 {
		last = tokens[len(tokens)-1]
	}

	return &Sequence{
		SeqID:           seqID,
		RequestID:       uuid.NewString(),
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       last,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		Table:           NewBlockTable(),
		BlockSize:       256,
		prefillTarget:   len(tokens),
		Temperature:     sp.Temperature,
		MaxTokens:       sp.MaxTokens,
		IgnoreEOS:       sp.IgnoreEOS,
	}
}

// Transition moves the sequence to the given status, rejecting anything not
// in the lifecycle graph with ErrInvalidSequenceState.
func (s *Sequence) Transition(next SequenceStatus) error {
	for _, allowed := range validTransitions[s.Status] {
		if next == allowed {
			s.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: seq %d cannot go %s -> %s",
		ErrInvalidSequenceState, s.SeqID, s.Status, next)
}

// Len returns the number of tokens in the sequence, prompt included.
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished reports whether the sequence reached a terminal state.
func (s *Sequence) IsFinished() bool {
	return s.Status.Terminal()
}

// IsPrefilling reports whether the sequence still has admitted positions
// without KV state.
func (s *Sequence) IsPrefilling() bool {
	return s.NumComputedTokens < s.prefillTarget
}

// NumCompletionTokens returns the number of generated tokens.
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt portion of the token buffer.
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the generated portion of the token buffer.
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumBlocks returns the number of blocks needed to hold the sequence.
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns how many tokens occupy the trailing block.
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the token ids belonging to the i-th block.
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := (i + 1) * s.BlockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a generated token to the buffer.
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}
