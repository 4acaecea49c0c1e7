// File: strand/strand.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package strand serializes handlers on top of a multi-threaded IOService.
// Handlers posted through one Strand never run concurrently; handlers of
// different strands and plain IOService handlers are unaffected.

package strand

import (
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/internal/concurrency"
	"github.com/momentics/hioload-aio/reactor"
)

var _ api.Executor = (*Strand)(nil)

// inside records which strands each goroutine is currently draining.
var inside concurrency.CallStack[*Strand]

// Strand is a non-blocking mutual exclusion scheme for handlers. At most one
// continuation of a strand is queued on the IOService at any time; it drains
// the ready queue and then promotes handlers posted meanwhile.
type Strand struct {
	ios *reactor.IOService
	log *zap.Logger

	mu      sync.Mutex
	locked  bool
	waiting *queue.Queue // posted while locked
	ready   *queue.Queue // owned by the running continuation
}

// New creates a strand on ios.
func New(ios *reactor.IOService) *Strand {
	return &Strand{
		ios:     ios,
		log:     ios.Logger().Named("strand"),
		waiting: queue.New(),
		ready:   queue.New(),
	}
}

// IOService returns the io service the strand runs on.
func (s *Strand) IOService() *reactor.IOService { return s.ios }

// Post queues handler for execution within the strand. It never runs the
// handler inline.
func (s *Strand) Post(handler api.Handler) {
	s.mu.Lock()
	if s.locked {
		s.waiting.Add(handler)
		s.mu.Unlock()
		return
	}
	s.locked = true
	s.ready.Add(handler)
	s.mu.Unlock()
	s.schedule()
}

// Dispatch runs handler inline when the caller is already inside the
// strand, or inside the IOService while the strand is free. Otherwise the
// handler is posted.
func (s *Strand) Dispatch(handler api.Handler) {
	if s.RunningInThisThread() {
		handler()
		return
	}
	if s.ios.RunningInThisThread() {
		s.mu.Lock()
		if !s.locked {
			s.locked = true
			s.mu.Unlock()
			pop := inside.Push(s)
			defer pop()
			defer s.finish()
			handler()
			return
		}
		s.mu.Unlock()
	}
	s.Post(handler)
}

// Wrap returns a function that dispatches handler through the strand.
func (s *Strand) Wrap(handler api.Handler) api.Handler {
	return func() { s.Dispatch(handler) }
}

// RunningInThisThread reports whether the calling goroutine is executing a
// handler of this strand.
func (s *Strand) RunningInThisThread() bool {
	return inside.Contains(s)
}

func (s *Strand) schedule() {
	op := reactor.NewOperation(api.OpStrand, func(error, int) { s.drain() }).
		OnDestroy(s.abandon)
	s.ios.PostImmediateCompletion(op)
}

// drain runs ready handlers one by one. finish runs even when a handler
// panics, so the remaining handlers are rescheduled.
func (s *Strand) drain() {
	pop := inside.Push(s)
	defer pop()
	defer s.finish()
	for {
		s.mu.Lock()
		if s.ready.Length() == 0 {
			s.mu.Unlock()
			return
		}
		handler := s.ready.Remove().(api.Handler)
		s.mu.Unlock()
		handler()
	}
}

func (s *Strand) finish() {
	s.mu.Lock()
	for s.waiting.Length() > 0 {
		s.ready.Add(s.waiting.Remove())
	}
	more := s.ready.Length() > 0
	if !more {
		s.locked = false
	}
	s.mu.Unlock()
	if more {
		s.schedule()
	}
}

// abandon drops every queued handler when the continuation is destroyed at
// shutdown.
func (s *Strand) abandon() {
	s.mu.Lock()
	dropped := s.ready.Length() + s.waiting.Length()
	s.ready = queue.New()
	s.waiting = queue.New()
	s.locked = false
	s.mu.Unlock()
	if dropped > 0 {
		s.log.Debug("strand handlers dropped", zap.Int("count", dropped))
	}
}
