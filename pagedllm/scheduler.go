package pagedllm

import (
	"container/list"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PreemptionPolicy picks the victim when memory pressure forces a running
// sequence out. Candidates are passed in admission order and are never
// empty; the policy result must be one of them.
type PreemptionPolicy func(candidates []*Sequence) *Sequence

// PreemptNewestFirst preempts the most-recently-admitted sequence. This
// protects older sequences' progress and bounds worst-case latency
// variance; it is the default.
func PreemptNewestFirst(candidates []*Sequence) *Sequence {
	return candidates[len(candidates)-1]
}

// StopFunc decides whether a sequence is done after appending tokenID.
type StopFunc func(seq *Sequence, tokenID int) bool

// Scheduler re-forms the execution batch every step from whatever sequences
// are ready: it admits waiting sequences FIFO under token and block budgets,
// continues chunked prefills, grows running decodes by one token, and
// preempts under memory pressure. It is the sole mutator of the BlockPool
// and of every Sequence it owns; all calls must come from one goroutine.
type Scheduler struct {
	cfg  *Config
	pool *BlockPool

	waiting *list.List // *Sequence, arrival order; preempted rejoin at the front
	running *list.List // *Sequence, admission order

	seqs          map[int64]*Sequence
	pendingCancel map[int64]bool
	swap          SwapStore
	policy        PreemptionPolicy
	stop          StopFunc

	step    int64
	retired []int64
	metrics *Metrics
	log     *logrus.Entry
}

// NewScheduler creates a scheduler with its own block pool.
func NewScheduler(cfg *Config, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	policy := cfg.Preemption
	if policy == nil {
		policy = PreemptNewestFirst
	}

	s := &Scheduler{
		cfg:           cfg,
		pool:          NewBlockPool(cfg.NumBlocks, cfg.BlockSize, cfg.EnablePrefixCache, metrics),
		waiting:       list.New(),
		running:       list.New(),
		seqs:          make(map[int64]*Sequence),
		pendingCancel: make(map[int64]bool),
		swap:          NewMemorySwapStore(),
		policy:        policy,
		metrics:       metrics,
		log:           logrus.WithField("component", "scheduler"),
	}
	s.stop = s.defaultStop
	return s
}

// Pool exposes the block pool for inspection.
func (s *Scheduler) Pool() *BlockPool {
	return s.pool
}

// SetStopFunc replaces the stop predicate. The default finishes on EOS
// (unless the sequence ignores it), on MaxTokens completion tokens, or at
// MaxModelLen.
func (s *Scheduler) SetStopFunc(fn StopFunc) {
	s.stop = fn
}

func (s *Scheduler) defaultStop(seq *Sequence, tokenID int) bool {
	if !seq.IgnoreEOS && tokenID == s.cfg.EOS {
		return true
	}
	if seq.NumCompletionTokens() >= seq.MaxTokens {
		return true
	}
	return seq.NumTokens >= s.cfg.MaxModelLen
}

// Add enqueues a sequence in the waiting queue.
func (s *Scheduler) Add(seq *Sequence) {
	seq.BlockSize = s.cfg.BlockSize
	s.seqs[seq.SeqID] = seq
	s.waiting.PushBack(seq)
}

// Get looks up a sequence by id. Finished and cancelled sequences remain
// visible until Forget is called.
func (s *Scheduler) Get(seqID int64) (*Sequence, bool) {
	seq, ok := s.seqs[seqID]
	return seq, ok
}

// Forget drops a terminal sequence from the registry.
func (s *Scheduler) Forget(seqID int64) {
	if seq, ok := s.seqs[seqID]; ok && seq.Status.Terminal() {
		delete(s.seqs, seqID)
	}
}

// RequestCancel latches a cancellation. It is applied at the start of the
// next step, never mid-step, so an in-flight batch cannot race a block
// release. Cancelling an unknown or already-terminal sequence is a no-op.
func (s *Scheduler) RequestCancel(seqID int64) {
	s.pendingCancel[seqID] = true
}

// HasWork reports whether any sequence still needs scheduling.
func (s *Scheduler) HasWork() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0
}

// DrainRetired returns the ids of sequences that reached a terminal state
// since the last call. Executors that keep per-sequence state use this to
// drop their entries.
func (s *Scheduler) DrainRetired() []int64 {
	out := s.retired
	s.retired = nil
	return out
}

func removeSeq(l *list.List, seq *Sequence) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*Sequence) == seq {
			l.Remove(e)
			return
		}
	}
}

func (s *Scheduler) applyCancellations() {
	for seqID := range s.pendingCancel {
		delete(s.pendingCancel, seqID)
		seq, ok := s.seqs[seqID]
		if !ok || seq.Status.Terminal() {
			continue
		}

		switch seq.Status {
		case StatusWaiting:
			removeSeq(s.waiting, seq)
		case StatusRunning:
			s.pool.Release(seq)
			removeSeq(s.running, seq)
		case StatusSwapped:
			s.swap.Delete(seqID)
			removeSeq(s.waiting, seq)
		}

		if err := seq.Transition(StatusCancelled); err != nil {
			panic(err)
		}
		s.retired = append(s.retired, seq.SeqID)
		s.log.WithFields(logrus.Fields{
			"seq_id":     seq.SeqID,
			"request_id": seq.RequestID,
		}).Info("sequence cancelled")
	}
}

// preempt releases a running sequence's blocks and moves it to Swapped,
// keeping a snapshot so its progress survives. It rejoins the waiting queue
// at the front.
func (s *Scheduler) preempt(seq *Sequence) error {
	blob, err := seq.Snapshot()
	if err != nil {
		return err
	}
	s.swap.Put(seq.SeqID, blob)
	s.pool.Release(seq)
	removeSeq(s.running, seq)
	if err := seq.Transition(StatusSwapped); err != nil {
		return err
	}
	s.waiting.PushFront(seq)
	s.metrics.Preemptions.Inc()
	s.log.WithFields(logrus.Fields{
		"seq_id":     seq.SeqID,
		"num_tokens": seq.NumTokens,
	}).Warn("sequence preempted")
	return nil
}

// victimFor returns preemption candidates: running sequences other than the
// one being grown that are not already in this step's batch.
func (s *Scheduler) victimFor(current *Sequence, inBatch map[int64]bool) *Sequence {
	candidates := make([]*Sequence, 0)
	for e := s.running.Front(); e != nil; e = e.Next() {
		seq := e.Value.(*Sequence)
		if seq != current && !inBatch[seq.SeqID] {
			candidates = append(candidates, seq)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return s.policy(candidates)
}

// Schedule runs one scheduling step and emits the batch descriptor plus the
// sequences backing each item, in item order.
//
// Phases: latched cancellations first, then continuation of chunked
// prefills, then FIFO admission from the waiting queue, then one-token
// decode growth with preemption under memory pressure.
func (s *Scheduler) Schedule() (*BatchDescriptor, []*Sequence, error) {
	s.step++
	s.applyCancellations()

	budget := s.cfg.MaxNumBatchedTokens
	items := make([]BatchItem, 0)
	scheduled := make([]*Sequence, 0)
	inBatch := make(map[int64]bool)

	addPrefill := func(seq *Sequence) {
		chunk := seq.prefillTarget - seq.NumComputedTokens
		if chunk > budget {
			chunk = budget
		}
		items = append(items, BatchItem{
			SeqID:             seq.SeqID,
			NumNewTokens:      chunk,
			IsPrefill:         true,
			TokenIDs:          append([]int(nil), seq.TokenIDs[seq.NumComputedTokens:seq.NumComputedTokens+chunk]...),
			NumComputedTokens: seq.NumComputedTokens,
			PrefixTokenIDs:    append([]int(nil), seq.TokenIDs[:seq.NumComputedTokens]...),
			BlockTable:        seq.Table.Snapshot(),
			Temperature:       seq.Temperature,
		})
		scheduled = append(scheduled, seq)
		inBatch[seq.SeqID] = true
		budget -= chunk
	}

	// Chunked prefills already admitted go first so long prompts keep
	// making progress ahead of new arrivals.
	for e := s.running.Front(); e != nil && budget > 0; e = e.Next() {
		seq := e.Value.(*Sequence)
		if seq.IsPrefilling() && len(scheduled) < s.cfg.MaxNumSeqs {
			addPrefill(seq)
		}
	}

	// FIFO admission. Stops at the first sequence that does not fit, both
	// for fairness and to avoid thrashing the pool.
	for s.waiting.Len() > 0 && budget > 0 &&
		s.running.Len() < s.cfg.MaxNumSeqs && len(scheduled) < s.cfg.MaxNumSeqs {
		head := s.waiting.Front()
		seq := head.Value.(*Sequence)

		if seq.Status == StatusSwapped {
			blob, ok := s.swap.Get(seq.SeqID)
			if !ok {
				return nil, nil, fmt.Errorf("swapped sequence %d has no snapshot", seq.SeqID)
			}
			if err := seq.Restore(blob); err != nil {
				return nil, nil, err
			}
			s.swap.Delete(seq.SeqID)
			if err := seq.Transition(StatusWaiting); err != nil {
				return nil, nil, err
			}
		}

		if !s.pool.CanAllocate(seq) {
			break
		}

		if err := s.pool.AllocatePrompt(seq); err != nil {
			break
		}
		seq.prefillTarget = seq.NumTokens
		seq.NumComputedTokens = seq.NumCachedTokens
		if seq.NumComputedTokens == seq.NumTokens {
			// Fully cached: recompute the last position so this step
			// still produces logits for it.
			seq.NumComputedTokens--
		}

		if err := seq.Transition(StatusRunning); err != nil {
			return nil, nil, err
		}
		s.waiting.Remove(head)
		s.running.PushBack(seq)
		addPrefill(seq)

		s.log.WithFields(logrus.Fields{
			"seq_id":        seq.SeqID,
			"prompt_tokens": seq.NumPromptTokens,
			"cached_tokens": seq.NumCachedTokens,
		}).Debug("sequence admitted")
	}

	// Decode growth: one token per running sequence, preempting the
	// newest-admitted sequences when the pool cannot grow everyone.
	decodeCandidates := make([]*Sequence, 0, s.running.Len())
	for e := s.running.Front(); e != nil; e = e.Next() {
		decodeCandidates = append(decodeCandidates, e.Value.(*Sequence))
	}

	for _, seq := range decodeCandidates {
		if seq.Status != StatusRunning || inBatch[seq.SeqID] || seq.IsPrefilling() {
			continue
		}
		if budget < 1 || len(scheduled) >= s.cfg.MaxNumSeqs {
			break
		}

		for !s.pool.CanAppendToken(seq) {
			victim := s.victimFor(seq, inBatch)
			if victim == nil {
				if s.running.Len() == 1 {
					return nil, nil, fmt.Errorf(
						"sequence %d cannot grow with the whole pool free, pool is undersized: %w",
						seq.SeqID, ErrOutOfMemory)
				}
				if err := s.preempt(seq); err != nil {
					return nil, nil, err
				}
				break
			}
			if err := s.preempt(victim); err != nil {
				return nil, nil, err
			}
		}
		if seq.Status != StatusRunning {
			continue
		}

		if err := s.pool.AppendSlot(seq); err != nil {
			return nil, nil, fmt.Errorf("append slot for sequence %d: %w", seq.SeqID, err)
		}
		items = append(items, BatchItem{
			SeqID:             seq.SeqID,
			NumNewTokens:      1,
			TokenIDs:          []int{seq.LastToken},
			NumComputedTokens: seq.NumComputedTokens,
			BlockTable:        seq.Table.Snapshot(),
			Temperature:       seq.Temperature,
		})
		scheduled = append(scheduled, seq)
		inBatch[seq.SeqID] = true
		budget--
	}

	if len(items) == 0 {
		if !s.HasWork() {
			return &BatchDescriptor{Step: s.step}, nil, nil
		}
		return nil, nil, fmt.Errorf("no schedulable sequences with %d free blocks: %w",
			s.pool.NumFree(), ErrOutOfMemory)
	}

	batch := &BatchDescriptor{Step: s.step, Items: items}
	s.metrics.ScheduledTokens.Add(float64(batch.NumTokens()))
	return batch, scheduled, nil
}

// Postprocess applies executor results for a step: advances KV accounting,
// appends generated tokens in generation order, and retires sequences whose
// stop condition fired.
func (s *Scheduler) Postprocess(batch *BatchDescriptor, scheduled []*Sequence, tokens map[int64]int) error {
	for i, seq := range scheduled {
		item := batch.Items[i]
		seq.NumComputedTokens += item.NumNewTokens

		if item.IsPrefill && seq.IsPrefilling() {
			// Intermediate prompt chunk; nothing was sampled for it.
			continue
		}

		tokenID, ok := tokens[seq.SeqID]
		if !ok {
			return fmt.Errorf("%w: executor returned no token for sequence %d",
				ErrExecution, seq.SeqID)
		}
		seq.AppendToken(tokenID)

		if s.stop(seq, tokenID) {
			s.pool.Release(seq)
			removeSeq(s.running, seq)
			if err := seq.Transition(StatusFinished); err != nil {
				return err
			}
			s.retired = append(s.retired, seq.SeqID)
		}
	}
	return nil
}

// CancelBatch marks every sequence of a failed batch cancelled, releasing
// their blocks. Used when the executor fails twice in one step.
func (s *Scheduler) CancelBatch(scheduled []*Sequence) {
	for _, seq := range scheduled {
		if seq.Status.Terminal() {
			continue
		}
		s.pool.Release(seq)
		removeSeq(s.running, seq)
		if err := seq.Transition(StatusCancelled); err != nil {
			// Waiting sequences cannot be in a batch; Running and Swapped
			// both admit cancellation.
			panic(err)
		}
		s.retired = append(s.retired, seq.SeqID)
	}
}
