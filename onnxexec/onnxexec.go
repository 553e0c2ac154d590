// Package onnxexec runs batches against an ONNX-exported model via ONNX
// Runtime. The model is stateless across calls, so the executor keeps each
// sequence's token prefix and recomputes it every step; the scheduler's
// block bookkeeping is unaffected.
package onnxexec

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"paged-llm-go/pagedllm"
)

// Executor implements pagedllm.Executor on top of ONNX Runtime.
type Executor struct {
	modelPath string
	vocabSize int
	threads   int
	log       *logrus.Entry

	// prefixes holds the full token history per active sequence. Entries
	// survive steps where the sequence is not batched (budget starvation)
	// and are dropped when the engine retires the sequence.
	prefixes map[int64][]int
}

// Option configures the executor.
type Option func(*Executor)

// WithVocabSize overrides the default vocabulary size. It must match the
// model's logits dimension.
func WithVocabSize(n int) Option {
	return func(e *Executor) {
		e.vocabSize = n
	}
}

// WithThreads sets the intra-op thread count.
func WithThreads(n int) Option {
	return func(e *Executor) {
		e.threads = n
	}
}

// New creates an executor for the model at modelPath, initializing the
// ONNX Runtime environment if needed.
func New(modelPath string, opts ...Option) (*Executor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	e := &Executor{
		modelPath: modelPath,
		vocabSize: 32000,
		threads:   4,
		log:       logrus.WithField("component", "onnxexec"),
		prefixes:  make(map[int64][]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.log.WithFields(logrus.Fields{
		"model":      modelPath,
		"vocab_size": e.vocabSize,
	}).Info("ONNX runtime ready")
	return e, nil
}

// Execute runs every item in the batch and returns one sampled token per
// sequence. Partial prefill chunks still produce a token; the scheduler
// discards it until the prefill completes.
func (e *Executor) Execute(ctx context.Context, batch *pagedllm.BatchDescriptor) (map[int64]int, error) {
	if len(batch.Items) == 0 {
		return map[int64]int{}, nil
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(e.threads); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	tokens := make(map[int64]int, len(batch.Items))
	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prefix, err := e.prefix(item)
		if err != nil {
			return nil, err
		}
		tok, err := e.forward(prefix, options, item.Temperature)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", item.SeqID, err)
		}
		e.prefixes[item.SeqID] = prefix
		tokens[item.SeqID] = tok
	}

	return tokens, nil
}

// prefix rebuilds the full token context for the item from the stored
// history plus this step's tokens. A prefix-cache hit can admit a sequence
// at a nonzero position, in which case the item's PrefixTokenIDs carry the
// tokens this executor never saw. A gap that cannot be reconstructed is an
// error, never a silently truncated context.
func (e *Executor) prefix(item pagedllm.BatchItem) ([]int, error) {
	stored := e.prefixes[item.SeqID]
	switch {
	case item.NumComputedTokens == 0:
		// Fresh prefill, including a restart after preemption.
		stored = nil
	case len(stored) >= item.NumComputedTokens:
		stored = stored[:item.NumComputedTokens]
	case item.IsPrefill && len(item.PrefixTokenIDs) >= item.NumComputedTokens:
		stored = item.PrefixTokenIDs[:item.NumComputedTokens]
	default:
		return nil, fmt.Errorf("sequence %d: no context for position %d, have %d tokens",
			item.SeqID, item.NumComputedTokens, len(stored))
	}

	full := make([]int, 0, len(stored)+len(item.TokenIDs))
	full = append(full, stored...)
	return append(full, item.TokenIDs...), nil
}

// ForgetSequence drops the stored history of a retired sequence.
func (e *Executor) ForgetSequence(seqID int64) {
	delete(e.prefixes, seqID)
}

// forward runs one inference over the token prefix and samples from the
// last position's logits.
func (e *Executor) forward(inputIDs []int, options *ort.SessionOptions, temperature float64) (int, error) {
	if len(inputIDs) == 0 {
		return 0, fmt.Errorf("empty input")
	}

	inputData := make([]int64, len(inputIDs))
	for i, id := range inputIDs {
		inputData[i] = int64(id)
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputIDs))), inputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputData := make([]float32, len(inputIDs)*e.vocabSize)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputIDs)), int64(e.vocabSize)), outputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		e.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	last := (len(inputIDs) - 1) * e.vocabSize
	return sampleToken(logits[last:last+e.vocabSize], temperature), nil
}

// sampleToken samples from the logits with temperature; zero temperature
// means greedy argmax.
func sampleToken(logits []float32, temperature float64) int {
	if temperature <= 0 {
		best := 0
		for i, logit := range logits {
			if logit > logits[best] {
				best = i
			}
		}
		return best
	}

	scaled := make([]float32, len(logits))
	for i, logit := range logits {
		scaled[i] = logit / float32(temperature)
	}
	maxLogit := scaled[0]
	for _, logit := range scaled {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float32
	probs := make([]float32, len(scaled))
	for i, logit := range scaled {
		probs[i] = float32(math.Exp(float64(logit - maxLogit)))
		sumExp += probs[i]
	}

	r := rand.Float32() * sumExp
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// Close drops per-sequence state. The ONNX environment stays up for other
// executors in the process.
func (e *Executor) Close() error {
	e.prefixes = make(map[int64][]int)
	return nil
}
