// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Completion port contract consumed by the reactor. Implementations wrap the
// OS completion facility (IOCP) or emulate it in process.

package api

import "time"

// StopKey is the completion key reserved for the reactor's stop sentinel.
// Operation tokens are never zero.
const StopKey uintptr = 0

// Completion is one entry dequeued from a CompletionPort.
type Completion struct {
	Key   uintptr // operation token or StopKey
	Bytes int     // bytes transferred
	Err   error   // status reported for the operation
}

// CompletionPort is the register/post/wait surface of a completion facility.
type CompletionPort interface {
	// Register associates a native handle with the port and returns its key.
	Register(handle uintptr) (uintptr, error)

	// Post queues a completion. Safe for concurrent use.
	Post(c Completion) error

	// Wait dequeues the next completion. A negative timeout blocks until one
	// is available, zero never blocks. ErrWaitTimeout is returned on timeout,
	// ErrPortClosed after Close.
	Wait(timeout time.Duration) (Completion, error)

	// Close releases the port. Blocked waiters return ErrPortClosed.
	Close() error
}
