// File: timer/waiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var errWaiterClosed = errors.New("timer: waiter closed")

// waiter is the multi-wait primitive behind a Scheduler. wait is only ever
// called from the scheduler goroutine; the other methods may be called from
// any goroutine.
type waiter interface {
	// arm starts a one-shot timer for id.
	arm(id uint64, deadline time.Time) error
	// disarm releases the timer for id. Unknown ids are ignored.
	disarm(id uint64)
	// wait blocks until at least one timer expired or the table changed.
	// It returns the expired ids, possibly none.
	wait() ([]uint64, error)
	// signal wakes a blocked wait.
	signal()
	// interrupt makes the current and every later wait return errWaiterClosed.
	interrupt()
	// close frees the waiter once the waiting goroutine has returned.
	close() error
}

// clockWaiter keeps deadlines in a map and sleeps on a single clock.Timer
// for the earliest one.
type clockWaiter struct {
	clock clock.Clock

	mu        sync.Mutex
	deadlines map[uint64]time.Time

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newClockWaiter(c clock.Clock) *clockWaiter {
	return &clockWaiter{
		clock:     c,
		deadlines: make(map[uint64]time.Time),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (w *clockWaiter) arm(id uint64, deadline time.Time) error {
	w.mu.Lock()
	w.deadlines[id] = deadline
	w.mu.Unlock()
	w.signal()
	return nil
}

func (w *clockWaiter) disarm(id uint64) {
	w.mu.Lock()
	delete(w.deadlines, id)
	w.mu.Unlock()
}

// due removes and returns every expired id and the earliest remaining
// deadline (zero when none).
func (w *clockWaiter) due() ([]uint64, time.Time, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	var (
		ids  []uint64
		next time.Time
	)
	for id, d := range w.deadlines {
		if !d.After(now) {
			ids = append(ids, id)
			delete(w.deadlines, id)
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return ids, next, now
}

func (w *clockWaiter) wait() ([]uint64, error) {
	select {
	case <-w.done:
		return nil, errWaiterClosed
	default:
	}

	ids, next, now := w.due()
	if len(ids) > 0 {
		return ids, nil
	}
	if next.IsZero() {
		select {
		case <-w.wake:
		case <-w.done:
			return nil, errWaiterClosed
		}
		return nil, nil
	}

	t := w.clock.Timer(next.Sub(now))
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.wake:
	case <-w.done:
		return nil, errWaiterClosed
	}
	ids, _, _ = w.due()
	return ids, nil
}

func (w *clockWaiter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *clockWaiter) interrupt() {
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *clockWaiter) close() error {
	w.interrupt()
	w.mu.Lock()
	w.deadlines = make(map[uint64]time.Time)
	w.mu.Unlock()
	return nil
}
