// File: timer/deadline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

// waitKey identifies one AsyncWait in the scheduler table. gen is the
// timer generation the wait was started in.
type waitKey struct {
	t   *DeadlineTimer
	gen uint64
}

// DeadlineTimer is a resettable expiry with any number of pending waits.
// Changing the expiry cancels every pending wait.
type DeadlineTimer struct {
	sched *Scheduler

	mu      sync.Mutex
	expiry  time.Time
	gen     uint64 // bumped by SetExpiresAt and Cancel
	pending map[*waitKey]struct{}
}

// NewDeadlineTimer returns a timer on the scheduler of ios with no expiry set.
func NewDeadlineTimer(ios *reactor.IOService) (*DeadlineTimer, error) {
	s, err := Use(ios)
	if err != nil {
		return nil, err
	}
	return s.NewDeadlineTimer(), nil
}

// NewDeadlineTimer returns a timer driven by s.
func (s *Scheduler) NewDeadlineTimer() *DeadlineTimer {
	return &DeadlineTimer{sched: s, pending: make(map[*waitKey]struct{})}
}

// ExpiresAt returns the current expiry.
func (t *DeadlineTimer) ExpiresAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiry
}

// SetExpiresAt sets the expiry and returns how many pending waits were
// cancelled.
func (t *DeadlineTimer) SetExpiresAt(at time.Time) int {
	t.mu.Lock()
	t.expiry = at
	keys := t.advance()
	t.mu.Unlock()
	return t.remove(keys)
}

// ExpiresFromNow sets the expiry relative to the scheduler clock.
func (t *DeadlineTimer) ExpiresFromNow(d time.Duration) int {
	return t.SetExpiresAt(t.sched.clock.Now().Add(d))
}

// AsyncWait completes handler with nil at the expiry, or with
// api.ErrOperationAborted when cancelled first.
func (t *DeadlineTimer) AsyncWait(handler api.WaitHandler) {
	t.mu.Lock()
	key := &waitKey{t: t, gen: t.gen}
	t.pending[key] = struct{}{}
	expiry := t.deadline()
	t.mu.Unlock()

	op := reactor.NewOperation(api.OpTimer, func(err error, _ int) {
		t.forget(key)
		handler(err)
	}).OnDestroy(func() { t.forget(key) })

	if err := t.sched.AddTimer(key, expiry, op); err != nil {
		// Unique keys leave only shutdown and waiter failure.
		t.forget(key)
		t.sched.ios.PostImmediateCompletion(reactor.NewOperation(api.OpTimer, func(error, int) {
			handler(err)
		}))
		return
	}

	// A reset or cancel that ran while the timer was being added could not
	// find it in the scheduler yet.
	t.mu.Lock()
	stale := key.gen != t.gen
	t.mu.Unlock()
	if stale {
		t.sched.RemoveTimer(key)
	}
}

// Cancel aborts every pending wait and returns how many were cancelled.
func (t *DeadlineTimer) Cancel() int {
	t.mu.Lock()
	keys := t.advance()
	t.mu.Unlock()
	return t.remove(keys)
}

// advance starts a new generation and returns every pending wait, all of
// which belong to earlier ones. t.mu must be held.
func (t *DeadlineTimer) advance() []*waitKey {
	t.gen++
	keys := make([]*waitKey, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	return keys
}

func (t *DeadlineTimer) remove(keys []*waitKey) int {
	n := 0
	for _, k := range keys {
		if t.sched.RemoveTimer(k) {
			n++
		}
	}
	return n
}

func (t *DeadlineTimer) deadline() time.Time {
	if t.expiry.IsZero() {
		return t.sched.clock.Now()
	}
	return t.expiry
}

func (t *DeadlineTimer) forget(key *waitKey) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}
