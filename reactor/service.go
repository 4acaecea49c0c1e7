// File: reactor/service.go
// Author: momentics <momentics@gmail.com>
//
// IOService: the completion-queue driven event loop.

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/internal/concurrency"
)

// Ensure compile-time interface compliance.
var (
	_ api.Executor         = (*IOService)(nil)
	_ api.GracefulShutdown = (*IOService)(nil)
)

// runStack records which io services each goroutine is running.
var runStack concurrency.CallStack[*IOService]

// IOService multiplexes operations onto one completion port and runs their
// handlers on whichever goroutines call Run, RunOne, Poll or PollOne.
type IOService struct {
	id       string
	log      *zap.Logger
	observer api.Observer
	port     api.CompletionPort

	outstanding     atomic.Int64
	stopped         atomic.Bool
	stopEventPosted atomic.Bool

	mu       sync.Mutex
	live     map[uintptr]*Operation // queued on the port, keyed by token
	nextTok  uintptr
	shutdown bool

	registry *registry

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an io service with the platform completion port unless
// WithPort overrides it.
func New(opts ...Option) (*IOService, error) {
	o := options{
		logger:   zap.NewNop(),
		observer: api.NopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.port == nil {
		p, err := newDefaultPort()
		if err != nil {
			return nil, fmt.Errorf("reactor: create completion port: %w", err)
		}
		o.port = p
	}
	id := uuid.NewString()
	s := &IOService{
		id:       id,
		log:      o.logger.Named("reactor").With(zap.String("ios", id)),
		observer: o.observer,
		port:     o.port,
		live:     make(map[uintptr]*Operation),
	}
	s.registry = newRegistry(s)
	return s, nil
}

// ID returns the unique identifier of this io service.
func (s *IOService) ID() string { return s.id }

// Logger returns the service logger for use by registered services.
func (s *IOService) Logger() *zap.Logger { return s.log }

// OutstandingWork returns the current value of the work counter.
func (s *IOService) OutstandingWork() int64 { return s.outstanding.Load() }

// Run processes completions until the service is stopped and returns the
// number of handlers executed.
func (s *IOService) Run() (int, error) {
	if s.idle() {
		return 0, nil
	}
	pop := runStack.Push(s)
	defer pop()
	n := 0
	for {
		k, err := s.doOne(-1)
		n += k
		if err != nil || k == 0 {
			return n, err
		}
	}
}

// RunOne blocks until at most one handler has been executed.
func (s *IOService) RunOne() (int, error) {
	if s.idle() {
		return 0, nil
	}
	pop := runStack.Push(s)
	defer pop()
	return s.doOne(-1)
}

// Poll runs every handler that is ready without blocking.
func (s *IOService) Poll() (int, error) {
	if s.idle() {
		return 0, nil
	}
	pop := runStack.Push(s)
	defer pop()
	n := 0
	for {
		k, err := s.doOne(0)
		n += k
		if err != nil || k == 0 {
			return n, err
		}
	}
}

// PollOne runs at most one ready handler without blocking.
func (s *IOService) PollOne() (int, error) {
	if s.idle() {
		return 0, nil
	}
	pop := runStack.Push(s)
	defer pop()
	return s.doOne(0)
}

// Stop makes every Run/RunOne return as soon as possible. Idempotent and
// safe to call from handlers.
func (s *IOService) Stop() {
	if !s.stopped.Swap(true) {
		s.postStopEvent()
	}
}

// Stopped reports whether Stop has been called since the last Reset.
func (s *IOService) Stopped() bool { return s.stopped.Load() }

// Reset clears the stop flag so the run functions may be called again. It
// must not be called while any goroutine is still inside a run function.
func (s *IOService) Reset() { s.stopped.Store(false) }

// Post queues handler for execution by a poller goroutine.
func (s *IOService) Post(handler api.Handler) {
	s.PostImmediateCompletion(NewOperation(api.OpPost, func(error, int) { handler() }))
}

// Dispatch runs handler inline when the caller is running this service,
// otherwise it posts it.
func (s *IOService) Dispatch(handler api.Handler) {
	if s.RunningInThisThread() {
		handler()
		return
	}
	s.Post(handler)
}

// RunningInThisThread reports whether the calling goroutine is inside one of
// this service's run functions.
func (s *IOService) RunningInThisThread() bool {
	return runStack.Contains(s)
}

// WorkStarted records an operation that will later produce exactly one
// terminal event.
func (s *IOService) WorkStarted() {
	s.observer.WorkChanged(s.outstanding.Add(1))
}

// WorkFinished records the terminal event of an operation. When no work is
// left the service stops.
func (s *IOService) WorkFinished() {
	n := s.outstanding.Add(-1)
	s.observer.WorkChanged(n)
	switch {
	case n == 0:
		s.Stop()
	case n < 0:
		panic("reactor: work counter underflow")
	}
}

// PostImmediateCompletion starts work for op and queues it with a nil error.
func (s *IOService) PostImmediateCompletion(op *Operation) {
	s.WorkStarted()
	s.PostDeferredCompletion(op, nil, 0)
}

// PostDeferredCompletion queues op, whose work was already started, with the
// given result. After Shutdown the operation is destroyed instead.
func (s *IOService) PostDeferredCompletion(op *Operation, err error, bytes int) {
	op.markReady()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.discard(op)
		return
	}
	s.nextTok++
	tok := s.nextTok
	op.token = tok
	s.live[tok] = op
	s.mu.Unlock()

	if perr := s.port.Post(api.Completion{Key: tok, Bytes: bytes, Err: err}); perr != nil {
		s.mu.Lock()
		_, owned := s.live[tok]
		delete(s.live, tok)
		s.mu.Unlock()
		if owned {
			s.log.Warn("completion port rejected operation",
				zap.Stringer("kind", op.kind), zap.Error(perr))
			s.discard(op)
		}
	}
}

// DiscardOperation destroys op without running its handler and retires its
// work. Services use it for operations they still hold at shutdown.
func (s *IOService) DiscardOperation(op *Operation) {
	s.discard(op)
}

// RegisterHandle associates a native handle with the completion port.
func (s *IOService) RegisterHandle(handle uintptr) (uintptr, error) {
	key, err := s.port.Register(handle)
	if err != nil {
		return 0, fmt.Errorf("reactor: register handle: %w", err)
	}
	return key, nil
}

// Shutdown stops the service, shuts down every registered service in reverse
// registration order, destroys all pending operations and closes the port.
func (s *IOService) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownImpl()
	})
	return s.shutdownErr
}

func (s *IOService) shutdownImpl() error {
	s.Stop()

	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.registry.shutdownAll()

	s.mu.Lock()
	pending := s.live
	s.live = make(map[uintptr]*Operation)
	s.mu.Unlock()
	for _, op := range pending {
		s.discard(op)
	}

	err := s.registry.destroyAll()
	if cerr := s.port.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("reactor: close completion port: %w", cerr))
	}
	s.log.Debug("io service shut down", zap.Int("discarded", len(pending)))
	return err
}

func (s *IOService) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// idle stops the service when there is no outstanding work.
func (s *IOService) idle() bool {
	if s.outstanding.Load() == 0 {
		s.Stop()
		return true
	}
	return false
}

func (s *IOService) postStopEvent() {
	if s.stopEventPosted.Swap(true) {
		return
	}
	if err := s.port.Post(api.Completion{Key: api.StopKey}); err != nil {
		s.stopEventPosted.Store(false)
		if !errors.Is(err, api.ErrPortClosed) {
			s.log.Error("failed to post stop event", zap.Error(err))
		}
	}
}

// doOne waits for one completion and dispatches it. It returns 0 when the
// service is stopped or, for a non-blocking call, when nothing is ready.
func (s *IOService) doOne(timeout time.Duration) (int, error) {
	for {
		if s.stopped.Load() {
			return 0, nil
		}
		c, err := s.port.Wait(timeout)
		if err != nil {
			switch {
			case errors.Is(err, api.ErrWaitTimeout):
				return 0, nil
			case errors.Is(err, api.ErrPortClosed) && s.isShutdown():
				return 0, nil
			}
			return 0, fmt.Errorf("reactor: wait for completion: %w", err)
		}
		if c.Key == api.StopKey {
			s.stopEventPosted.Store(false)
			// Leftover sentinels from a stop that preceded Reset are ignored.
			if s.stopped.Load() {
				s.postStopEvent()
				return 0, nil
			}
			continue
		}
		s.complete(c)
		return 1, nil
	}
}

func (s *IOService) complete(c api.Completion) {
	s.mu.Lock()
	op, ok := s.live[c.Key]
	delete(s.live, c.Key)
	shut := s.shutdown
	s.mu.Unlock()
	if !ok {
		if shut {
			return
		}
		s.log.Error("dequeued completion for unknown operation", zap.Uint64("token", uint64(c.Key)))
		panic(fmt.Errorf("%w: token %d", api.ErrStaleCompletion, c.Key))
	}
	defer s.WorkFinished()
	s.invoke(op, c.Err, c.Bytes)
}

func (s *IOService) invoke(op *Operation, err error, bytes int) {
	kind, created := op.kind, op.created
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if isConsistencyViolation(r) {
			panic(r)
		}
		s.log.Error("handler panicked", zap.Stringer("kind", kind), zap.Any("panic", r))
		s.observer.HandlerPanicked(kind, r)
	}()
	op.invoke(err, bytes)
	s.observer.OperationCompleted(kind, err, time.Since(created))
}

func (s *IOService) discard(op *Operation) {
	op.destroy()
	s.observer.WorkChanged(s.outstanding.Add(-1))
	s.observer.OperationDiscarded(op.kind)
}

func isConsistencyViolation(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return errors.Is(err, api.ErrDoubleCompletion) ||
		errors.Is(err, api.ErrDoubleSubmission) ||
		errors.Is(err, api.ErrStaleCompletion)
}
