// Package api
// Author: momentics
//
// Executor contract shared by the io service and strands.

package api

// Executor schedules handlers for execution by poller threads.
type Executor interface {
	// Post queues handler; it never runs inside the call.
	Post(handler Handler)

	// Dispatch runs handler inline when that is legal for the caller,
	// otherwise behaves like Post.
	Dispatch(handler Handler)

	// RunningInThisThread reports whether the calling goroutine is
	// currently executing inside this executor.
	RunningInThisThread() bool
}
