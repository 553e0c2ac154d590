package pagedllm

import "errors"

// Errors returned by the core. Recoverable conditions (out of memory) are
// handled inside the scheduler and never reach the submission boundary.
var (
	// ErrOutOfMemory means the block pool cannot satisfy an allocation even
	// after evicting every unreferenced cached block. The scheduler responds
	// by preempting a running sequence.
	ErrOutOfMemory = errors.New("block pool out of memory")

	// ErrExecution wraps a failure reported by the model executor.
	ErrExecution = errors.New("model execution failed")

	// ErrInvalidSequenceState is returned when an operation is requested on a
	// sequence whose status does not permit it.
	ErrInvalidSequenceState = errors.New("invalid sequence state")

	// ErrCapacityExceeded means a prompt cannot fit in the pool at all, even
	// with every block free. Such requests are rejected at submission.
	ErrCapacityExceeded = errors.New("prompt exceeds KV cache capacity")
)
