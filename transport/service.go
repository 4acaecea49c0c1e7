// File: transport/service.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package transport adapts Go net connections to the reactor completion
// model. Each asynchronous request runs its blocking call on a goroutine
// parked in the runtime netpoller and posts a deferred completion to the
// owning IOService.

package transport

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

var (
	_ reactor.Service = (*Service)(nil)
	_ reactor.Owned   = (*Service)(nil)
)

// Service owns every socket and acceptor created through it.
type Service struct {
	ios    *reactor.IOService
	log    *zap.Logger
	dialer net.Dialer

	mu        sync.Mutex
	sockets   map[*Socket]struct{}
	acceptors map[*Acceptor]struct{}
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDialTimeout bounds AsyncConnect.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Service) { s.dialer.Timeout = d }
}

// Use returns the transport service of ios, creating it on first use.
func Use(ios *reactor.IOService, opts ...Option) (*Service, error) {
	return reactor.UseService(ios, func(ios *reactor.IOService) (*Service, error) {
		return New(ios, opts...), nil
	})
}

// New builds an unregistered transport service.
func New(ios *reactor.IOService, opts ...Option) *Service {
	s := &Service{
		ios:       ios,
		log:       ios.Logger().Named("transport"),
		sockets:   make(map[*Socket]struct{}),
		acceptors: make(map[*Acceptor]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IOService returns the owning io service.
func (s *Service) IOService() *reactor.IOService { return s.ios }

// NewSocket returns an unconnected socket.
func (s *Service) NewSocket() *Socket {
	sock := newSocket(s)
	s.mu.Lock()
	if !s.closed {
		s.sockets[sock] = struct{}{}
	} else {
		sock.closed = true
	}
	s.mu.Unlock()
	return sock
}

// Listen opens an acceptor bound to address.
func (s *Service) Listen(network, address string) (*Acceptor, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	a := newAcceptor(s, ln)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return nil, api.ErrShutdown
	}
	s.acceptors[a] = struct{}{}
	s.log.Debug("listening", zap.Stringer("addr", ln.Addr()))
	return a, nil
}

// start raises the work counter and runs fn on a tracked goroutine. fn
// must finish by posting op. After shutdown op completes with
// api.ErrOperationAborted.
func (s *Service) start(op *reactor.Operation, fn func()) {
	s.ios.WorkStarted()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ios.PostDeferredCompletion(op, api.ErrOperationAborted, 0)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// fail completes op at once with err.
func (s *Service) fail(op *reactor.Operation, err error) {
	s.ios.WorkStarted()
	s.ios.PostDeferredCompletion(op, err, 0)
}

func (s *Service) forgetSocket(sock *Socket) {
	s.mu.Lock()
	delete(s.sockets, sock)
	s.mu.Unlock()
}

func (s *Service) forgetAcceptor(a *Acceptor) {
	s.mu.Lock()
	delete(s.acceptors, a)
	s.mu.Unlock()
}

// ShutdownService closes every socket and acceptor and waits for their
// goroutines.
func (s *Service) ShutdownService() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sockets := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	acceptors := make([]*Acceptor, 0, len(s.acceptors))
	for a := range s.acceptors {
		acceptors = append(acceptors, a)
	}
	s.mu.Unlock()

	for _, a := range acceptors {
		_ = a.Close()
	}
	for _, sock := range sockets {
		_ = sock.Close()
	}
	s.wg.Wait()
	s.log.Debug("transport shut down",
		zap.Int("sockets", len(sockets)), zap.Int("acceptors", len(acceptors)))
}
