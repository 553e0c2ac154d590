package pagedllm

import (
	"context"
	"fmt"
)

// Executor is the boundary to the model forward pass. Implementations
// translate physical block ids into their own memory addressing; the core
// never inspects model internals.
//
// Execute returns the next token for every sequence in the batch, keyed by
// sequence id. For a prefill chunk that does not yet cover the whole prompt
// the returned token is ignored by the scheduler. Backends include ONNX
// Runtime sessions, HTTP inference servers, or in-process models.
type Executor interface {
	Execute(ctx context.Context, batch *BatchDescriptor) (map[int64]int, error)

	Close() error
}

// SequenceObserver is implemented by executors that keep per-sequence state
// between steps. The engine calls ForgetSequence once a sequence reaches a
// terminal state, so stale entries do not accumulate. A sequence can be
// absent from arbitrarily many consecutive batches (budget starvation,
// preemption) without being retired, so absence alone never means gone.
type SequenceObserver interface {
	ForgetSequence(seqID int64)
}

// MockExecutor produces deterministic tokens without a model, for tests and
// demos. Tokens derive from the sequence id and position; EOS is emitted
// periodically unless disabled.
type MockExecutor struct {
	VocabSize int
	EOS       int
	// EmitEOSEvery emits EOS after a sequence has generated a multiple of
	// this many tokens. Zero disables EOS emission.
	EmitEOSEvery int
}

// NewMockExecutor creates a mock executor with a default vocabulary.
func NewMockExecutor(eos int) *MockExecutor {
	return &MockExecutor{
		VocabSize:    32000,
		EOS:          eos,
		EmitEOSEvery: 20,
	}
}

// Execute generates one deterministic token per batch item.
func (m *MockExecutor) Execute(_ context.Context, batch *BatchDescriptor) (map[int64]int, error) {
	if len(batch.Items) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrExecution)
	}

	out := make(map[int64]int, len(batch.Items))
	for _, item := range batch.Items {
		pos := item.NumComputedTokens + item.NumNewTokens
		tokenID := int((item.SeqID + int64(pos)) % int64(m.VocabSize))
		if m.EmitEOSEvery > 0 && !item.IsPrefill && pos%m.EmitEOSEvery == 0 {
			tokenID = m.EOS
		}
		out[item.SeqID] = tokenID
	}
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockExecutor) Close() error {
	return nil
}
