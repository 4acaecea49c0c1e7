// File: timer/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package timer bridges timed waits into the reactor completion queue.
//
// A Scheduler is a per-IOService service owning a table of armed timers and a
// dedicated waiter goroutine locked to its OS thread. The waiter blocks until
// either the table changes or a timer expires; expired entries are removed
// from the table and their operations posted to the IOService. Cancelled
// entries are removed by the canceller, which posts them with
// api.ErrOperationAborted. Whoever removes an entry posts it.
//
// On Linux the waiter multiplexes one timerfd per entry with an eventfd in an
// epoll set. Elsewhere, or when a custom clock is supplied, a portable waiter
// driven by github.com/benbjohnson/clock is used.
package timer
