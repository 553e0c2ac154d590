package pagedllm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Output is the result of one finished generation request.
type Output struct {
	SeqID     int64
	RequestID string
	Status    SequenceStatus
	TokenIDs  []int
}

// PollResult reports a sequence's progress at the submission boundary.
type PollResult struct {
	TokenIDs []int
	Status   SequenceStatus
}

type submitReq struct {
	tokenIDs []int
	params   *SamplingParams
	reply    chan submitReply
}

type submitReply struct {
	seqID int64
	err   error
}

type pollReq struct {
	seqID int64
	reply chan pollReply
}

type pollReply struct {
	result PollResult
	err    error
}

// Engine drives the scheduler against an executor. It supports two usage
// modes that must not be mixed:
//
// Synchronous: AddRequest/Step/Generate from a single goroutine, the way a
// batch CLI uses it.
//
// Serving: Serve runs the scheduling loop as a single-threaded actor and
// Submit/Cancel/Poll funnel all mutation into it over channels, so the
// block pool only ever has one writer.
type Engine struct {
	cfg       *Config
	scheduler *Scheduler
	executor  Executor
	tokenizer Tokenizer
	log       *logrus.Entry

	submitCh chan submitReq
	cancelCh chan int64
	pollCh   chan pollReq
}

// NewEngine creates an engine. The tokenizer may be nil when only token-id
// APIs are used.
func NewEngine(cfg *Config, executor Executor, tok Tokenizer, metrics *Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		scheduler: NewScheduler(cfg, metrics),
		executor:  executor,
		tokenizer: tok,
		log:       logrus.WithField("component", "engine"),
		submitCh:  make(chan submitReq),
		cancelCh:  make(chan int64, 64),
		pollCh:    make(chan pollReq),
	}
}

// Scheduler exposes the scheduler for inspection.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Close releases the executor.
func (e *Engine) Close() error {
	return e.executor.Close()
}

func (e *Engine) validatePrompt(tokenIDs []int, sp *SamplingParams) error {
	if len(tokenIDs) == 0 {
		return fmt.Errorf("prompt must not be empty")
	}
	if err := sp.Validate(); err != nil {
		return err
	}
	if len(tokenIDs) > e.cfg.MaxModelLen {
		return fmt.Errorf("%w: prompt of %d tokens exceeds max_model_len %d",
			ErrCapacityExceeded, len(tokenIDs), e.cfg.MaxModelLen)
	}
	if len(tokenIDs) > e.cfg.PoolCapacityTokens() {
		return fmt.Errorf("%w: prompt of %d tokens exceeds pool capacity of %d blocks x %d tokens",
			ErrCapacityExceeded, len(tokenIDs), e.cfg.NumBlocks, e.cfg.BlockSize)
	}
	return nil
}

// AddRequest enqueues a request in the synchronous mode and returns its
// sequence id.
func (e *Engine) AddRequest(tokenIDs []int, sp *SamplingParams) (int64, error) {
	if err := e.validatePrompt(tokenIDs, sp); err != nil {
		return 0, err
	}
	seq := NewSequence(tokenIDs, sp)
	e.scheduler.Add(seq)
	return seq.SeqID, nil
}

// IsFinished reports whether every request has been processed.
func (e *Engine) IsFinished() bool {
	return !e.scheduler.HasWork()
}

// Step runs one scheduling iteration: form a batch, execute it, apply the
// results. It returns outputs for sequences that finished during the step
// and the number of tokens computed.
//
// An executor failure is retried once; on a second failure the batch's
// sequences are cancelled and the error is returned.
func (e *Engine) Step(ctx context.Context) ([]Output, int, error) {
	batch, scheduled, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}
	defer e.notifyRetired()
	if len(batch.Items) == 0 {
		return nil, 0, nil
	}

	// The executor reads these blocks until it returns; nothing may evict
	// them in the meantime.
	pinnedIDs := batch.BlockIDs()
	e.scheduler.Pool().Pin(pinnedIDs)
	defer e.scheduler.Pool().Unpin(pinnedIDs)

	tokens, execErr := e.executor.Execute(ctx, batch)
	if execErr != nil {
		e.log.WithField("step", batch.Step).WithError(execErr).Warn("executor failed, retrying")
		tokens, execErr = e.executor.Execute(ctx, batch)
	}
	if execErr != nil {
		e.scheduler.CancelBatch(scheduled)
		return nil, 0, fmt.Errorf("%w: step %d failed twice: %v", ErrExecution, batch.Step, execErr)
	}

	if err := e.scheduler.Postprocess(batch, scheduled, tokens); err != nil {
		return nil, 0, err
	}

	outputs := make([]Output, 0)
	for _, seq := range scheduled {
		if seq.Status == StatusFinished {
			outputs = append(outputs, Output{
				SeqID:     seq.SeqID,
				RequestID: seq.RequestID,
				Status:    seq.Status,
				TokenIDs:  append([]int(nil), seq.CompletionTokenIDs()...),
			})
		}
	}
	return outputs, batch.NumTokens(), nil
}

// notifyRetired tells a state-keeping executor which sequences reached a
// terminal state this step.
func (e *Engine) notifyRetired() {
	retired := e.scheduler.DrainRetired()
	obs, ok := e.executor.(SequenceObserver)
	if !ok {
		return
	}
	for _, seqID := range retired {
		obs.ForgetSequence(seqID)
	}
}

// Generate runs all prompts to completion and returns outputs in prompt
// order. Synchronous mode only.
func (e *Engine) Generate(ctx context.Context, prompts [][]int, sp *SamplingParams, showProgress bool) ([]Output, error) {
	order := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		seqID, err := e.AddRequest(prompt, sp)
		if err != nil {
			return nil, err
		}
		order[seqID] = i
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step(ctx)
		if err != nil {
			return nil, err
		}

		if showProgress {
			elapsed := time.Since(start).Seconds()
			if elapsed > 0 {
				bar.Describe(fmt.Sprintf("Generating [%d tok/s]", int(float64(numTokens)/elapsed)))
			}
		}

		for _, out := range stepOutputs {
			idx, ok := order[out.SeqID]
			if !ok {
				continue
			}
			outputs[idx] = out
			if showProgress {
				bar.Add(1)
			}
		}
	}

	if showProgress {
		bar.Finish()
	}
	return outputs, nil
}

// GenerateText tokenizes the prompts, generates, and decodes the results.
// Prompts are encoded concurrently; generation itself stays on the calling
// goroutine.
func (e *Engine) GenerateText(ctx context.Context, prompts []string, sp *SamplingParams, showProgress bool) ([]string, error) {
	if e.tokenizer == nil {
		return nil, fmt.Errorf("engine has no tokenizer")
	}

	encoded := make([][]int, len(prompts))
	g, _ := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			ids, err := e.tokenizer.Encode(prompt)
			if err != nil {
				return fmt.Errorf("encode prompt %d: %w", i, err)
			}
			encoded[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs, err := e.Generate(ctx, encoded, sp, showProgress)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(outputs))
	for i, out := range outputs {
		text, err := e.tokenizer.Decode(out.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("decode output %d: %w", i, err)
		}
		texts[i] = text
	}
	return texts, nil
}

// Submit enqueues a request into a running Serve loop and returns its
// sequence id. Oversized prompts are rejected here with
// ErrCapacityExceeded and never enter the waiting queue.
func (e *Engine) Submit(ctx context.Context, tokenIDs []int, sp *SamplingParams) (int64, error) {
	if err := e.validatePrompt(tokenIDs, sp); err != nil {
		return 0, err
	}

	req := submitReq{
		tokenIDs: append([]int(nil), tokenIDs...),
		params:   sp,
		reply:    make(chan submitReply, 1),
	}
	select {
	case e.submitCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.seqID, rep.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel requests cancellation of a sequence. It takes effect at the start
// of the next scheduling step; cancelling an unknown or finished sequence
// is a no-op.
func (e *Engine) Cancel(ctx context.Context, seqID int64) error {
	select {
	case e.cancelCh <- seqID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll reports a sequence's generated tokens so far and its status. A
// terminal sequence is forgotten once its terminal status has been
// observed.
func (e *Engine) Poll(ctx context.Context, seqID int64) (PollResult, error) {
	req := pollReq{seqID: seqID, reply: make(chan pollReply, 1)}
	select {
	case e.pollCh <- req:
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	}
}

// Serve runs the scheduling loop until the context is cancelled. All
// scheduler and pool mutation happens on this goroutine; Submit, Cancel and
// Poll are safe to call from anywhere while it runs.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		// Apply control traffic before stepping so cancellations always
		// land between steps.
		drained := false
		for !drained {
			select {
			case req := <-e.submitCh:
				e.handleSubmit(req)
			case seqID := <-e.cancelCh:
				e.scheduler.RequestCancel(seqID)
			case req := <-e.pollCh:
				e.handlePoll(req)
			case <-ctx.Done():
				return ctx.Err()
			default:
				drained = true
			}
		}

		if !e.scheduler.HasWork() {
			// Idle: block until something arrives.
			select {
			case req := <-e.submitCh:
				e.handleSubmit(req)
			case seqID := <-e.cancelCh:
				e.scheduler.RequestCancel(seqID)
			case req := <-e.pollCh:
				e.handlePoll(req)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if _, _, err := e.Step(ctx); err != nil {
			// A doubly-failed batch has already been cancelled; the loop
			// keeps serving the remaining sequences. Anything else is a
			// configuration or invariant failure and stops the engine.
			if errors.Is(err, ErrExecution) {
				e.log.WithError(err).Error("batch cancelled after repeated executor failure")
				continue
			}
			e.log.WithError(err).Error("step failed")
			return err
		}
	}
}

func (e *Engine) handleSubmit(req submitReq) {
	seq := NewSequence(req.tokenIDs, req.params)
	e.scheduler.Add(seq)
	req.reply <- submitReply{seqID: seq.SeqID}
}

func (e *Engine) handlePoll(req pollReq) {
	seq, ok := e.scheduler.Get(req.seqID)
	if !ok {
		req.reply <- pollReply{err: fmt.Errorf("%w: unknown sequence %d",
			ErrInvalidSequenceState, req.seqID)}
		return
	}
	result := PollResult{
		TokenIDs: append([]int(nil), seq.CompletionTokenIDs()...),
		Status:   seq.Status,
	}
	if seq.Status.Terminal() {
		e.scheduler.Forget(req.seqID)
	}
	req.reply <- pollReply{result: result}
}
