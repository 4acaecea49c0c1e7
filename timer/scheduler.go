// File: timer/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

var (
	_ reactor.Service = (*Scheduler)(nil)
	_ reactor.Owned   = (*Scheduler)(nil)
)

type entry struct {
	id       uint64
	deadline time.Time
	op       *reactor.Operation
}

// Scheduler arms one-shot timers and posts their operations to the owning
// IOService when they expire or are removed.
type Scheduler struct {
	ios   *reactor.IOService
	log   *zap.Logger
	clock clock.Clock
	w     waiter

	mu      sync.RWMutex
	entries map[any]*entry
	byID    map[uint64]any
	nextID  uint64
	closed  bool
	failure error

	wg           sync.WaitGroup
	shutdownOnce sync.Once

	// firedHook observes every expired batch. Tests only.
	firedHook func(n int)
}

// Use returns the scheduler of ios, creating it on first use.
func Use(ios *reactor.IOService, opts ...Option) (*Scheduler, error) {
	return reactor.UseService(ios, func(ios *reactor.IOService) (*Scheduler, error) {
		return New(ios, opts...)
	})
}

// New builds a scheduler for ios and starts its waiter goroutine. The
// scheduler is not registered; use Use for the shared instance.
func New(ios *reactor.IOService, opts ...Option) (*Scheduler, error) {
	o := options{logger: ios.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	var (
		w   waiter
		err error
	)
	switch {
	case o.waiter != nil:
		w = o.waiter
	case o.portable:
		w = newClockWaiter(o.clock)
	default:
		if w, err = newNativeWaiter(); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		ios:     ios,
		log:     o.logger.Named("timer"),
		clock:   o.clock,
		w:       w,
		entries: make(map[any]*entry),
		byID:    make(map[uint64]any),

		firedHook: o.fired,
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// IOService returns the owning io service.
func (s *Scheduler) IOService() *reactor.IOService { return s.ios }

// Clock returns the clock deadlines are measured against.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// AddTimer arms a timer under key that completes op at deadline. The work
// counter is raised before arming. Arm failures are delivered through op.
func (s *Scheduler) AddTimer(key any, deadline time.Time, op *reactor.Operation) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return api.ErrShutdown
	case s.failure != nil:
		err := s.failure
		s.mu.Unlock()
		return err
	}
	if _, dup := s.entries[key]; dup {
		s.mu.Unlock()
		return api.ErrTimerExists
	}
	s.ios.WorkStarted()
	s.nextID++
	e := &entry{id: s.nextID, deadline: deadline, op: op}
	s.entries[key] = e
	s.byID[e.id] = key
	s.mu.Unlock()

	if err := s.w.arm(e.id, deadline); err != nil {
		s.log.Warn("arm failed", zap.Uint64("id", e.id), zap.Error(err))
		if s.take(key, e) {
			s.ios.PostDeferredCompletion(op, err, 0)
		}
		return nil
	}
	s.mu.RLock()
	_, live := s.byID[e.id]
	s.mu.RUnlock()
	if !live {
		// Removed while arming.
		s.w.disarm(e.id)
		return nil
	}
	s.w.signal()
	return nil
}

// RemoveTimer cancels the timer under key. Its operation completes with
// api.ErrOperationAborted. It reports false when no timer is armed under
// key, including when it already fired.
func (s *Scheduler) RemoveTimer(key any) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.take(key, e) {
		return false
	}
	s.w.disarm(e.id)
	s.w.signal()
	s.ios.PostDeferredCompletion(e.op, api.ErrOperationAborted, 0)
	return true
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// take removes e from the table if it is still registered under key. Only
// the caller that gets true may post e.
func (s *Scheduler) take(key any, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; !ok || cur != e {
		return false
	}
	delete(s.entries, key)
	delete(s.byID, e.id)
	return true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		ids, err := s.w.wait()
		if err != nil {
			if !errors.Is(err, errWaiterClosed) {
				s.fail(err)
			}
			return
		}
		if len(ids) == 0 {
			continue
		}
		s.expire(ids)
	}
}

func (s *Scheduler) expire(ids []uint64) {
	fired := make([]*entry, 0, len(ids))
	var stale []uint64
	s.mu.Lock()
	for _, id := range ids {
		key, ok := s.byID[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		fired = append(fired, s.entries[key])
		delete(s.entries, key)
		delete(s.byID, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.w.disarm(id)
	}
	for _, e := range fired {
		s.w.disarm(e.id)
		s.ios.PostDeferredCompletion(e.op, nil, 0)
	}
	if s.firedHook != nil {
		s.firedHook(len(fired))
	}
}

// fail completes every armed timer with err after the waiter broke down.
func (s *Scheduler) fail(err error) {
	err = fmt.Errorf("timer: waiter failed: %w", err)
	s.log.Error("timer waiter stopped", zap.Error(err))
	s.mu.Lock()
	s.failure = err
	pending := s.entries
	s.entries = make(map[any]*entry)
	s.byID = make(map[uint64]any)
	s.mu.Unlock()
	for _, e := range pending {
		s.ios.PostDeferredCompletion(e.op, err, 0)
	}
}

// ShutdownService stops the waiter goroutine and destroys every armed timer
// without invoking its handler.
func (s *Scheduler) ShutdownService() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.entries
		s.entries = make(map[any]*entry)
		s.byID = make(map[uint64]any)
		s.mu.Unlock()

		s.w.interrupt()
		s.wg.Wait()
		if err := s.w.close(); err != nil {
			s.log.Warn("close waiter", zap.Error(err))
		}
		for _, e := range pending {
			s.ios.DiscardOperation(e.op)
		}
		s.log.Debug("timer scheduler shut down", zap.Int("discarded", len(pending)))
	})
}
