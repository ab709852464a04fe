package requestqueue

import "errors"

var (
	// ErrQueueFull is returned when the waiting area is at capacity.
	// Admission is rejected immediately; the caller is never blocked.
	ErrQueueFull = errors.New("request queue is full")

	// ErrTimeout is returned when a job exceeds its deadline while waiting
	// or executing. The underlying work is not killed, only abandoned.
	ErrTimeout = errors.New("request timed out in queue")

	// ErrQueueCleared is returned to waiting callers when the queue is
	// explicitly drained, e.g. on shutdown.
	ErrQueueCleared = errors.New("request queue was cleared")

	// ErrNilWork is returned when a nil work function is submitted.
	ErrNilWork = errors.New("nil work function")
)
