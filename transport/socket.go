// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

// aLongTimeAgo is a non-zero past deadline that unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Socket is a stream socket whose operations complete through the reactor.
//
// Cancel aborts the operations outstanding when it is called. It bumps the
// socket epoch and forces a past deadline on the connection; operations that
// observe a changed epoch complete with api.ErrOperationAborted. Operations
// started during a cancellation wait until every aborted call has returned
// and the deadline has been cleared.
type Socket struct {
	svc *Service

	mu         sync.Mutex
	cond       *sync.Cond
	conn       net.Conn
	dialCtx    context.Context
	dialCancel context.CancelFunc
	connecting bool
	epoch      uint64
	inflight   int
	cancelling bool
	closed     bool
}

func newSocket(svc *Service) *Socket {
	s := &Socket{svc: svc}
	s.cond = sync.NewCond(&s.mu)
	s.dialCtx, s.dialCancel = context.WithCancel(context.Background())
	return s
}

// Attach adopts an established connection.
func (s *Socket) Attach(c net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return net.ErrClosed
	case s.conn != nil || s.connecting:
		return api.ErrAlreadyConnected
	}
	s.conn = c
	return nil
}

// IsOpen reports whether the socket holds a connection.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// LocalAddr returns the local address or nil when unconnected.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr returns the peer address or nil when unconnected.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// AsyncConnect dials address and completes handler once connected.
func (s *Socket) AsyncConnect(network, address string, handler api.WaitHandler) {
	op := reactor.NewOperation(api.OpConnect, func(err error, _ int) { handler(err) })

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.svc.fail(op, api.ErrOperationAborted)
		return
	case s.conn != nil || s.connecting:
		s.mu.Unlock()
		s.svc.fail(op, api.ErrAlreadyConnected)
		return
	}
	s.connecting = true
	ctx, epoch := s.dialCtx, s.epoch
	s.mu.Unlock()

	s.svc.start(op, func() {
		c, err := s.svc.dialer.DialContext(ctx, network, address)
		s.mu.Lock()
		s.connecting = false
		switch {
		case err == nil && (s.closed || s.epoch != epoch):
			c.Close()
			err = api.ErrOperationAborted
		case err == nil:
			s.conn = c
		case s.closed || s.epoch != epoch:
			err = api.ErrOperationAborted
		}
		s.mu.Unlock()
		s.svc.ios.PostDeferredCompletion(op, err, 0)
	})
}

// AsyncRead reads into buf and completes handler with the byte count.
func (s *Socket) AsyncRead(buf []byte, handler api.CompletionHandler) {
	s.transfer(api.OpRead, buf, handler, func(c net.Conn, b []byte) (int, error) {
		return c.Read(b)
	})
}

// AsyncWrite writes all of buf and completes handler with the byte count.
func (s *Socket) AsyncWrite(buf []byte, handler api.CompletionHandler) {
	s.transfer(api.OpWrite, buf, handler, func(c net.Conn, b []byte) (int, error) {
		return c.Write(b)
	})
}

func (s *Socket) transfer(kind api.OpKind, buf []byte, handler api.CompletionHandler,
	call func(net.Conn, []byte) (int, error)) {
	op := reactor.NewOperation(kind, func(err error, n int) { handler(err, n) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.svc.fail(op, api.ErrOperationAborted)
		return
	}
	if s.conn == nil {
		s.mu.Unlock()
		s.svc.fail(op, api.ErrNotConnected)
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	s.svc.start(op, func() {
		conn, err := s.begin(epoch)
		if err != nil {
			s.svc.ios.PostDeferredCompletion(op, err, 0)
			return
		}
		n, err := call(conn, buf)
		err = s.end(epoch, err)
		s.svc.ios.PostDeferredCompletion(op, err, n)
	})
}

// begin waits out a running cancellation and registers an in-flight call.
func (s *Socket) begin(epoch uint64) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.cancelling && !s.closed {
		s.cond.Wait()
	}
	if s.closed || s.epoch != epoch {
		return nil, api.ErrOperationAborted
	}
	s.inflight++
	return s.conn, nil
}

func (s *Socket) end(epoch uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.cancelling {
		if !s.closed {
			_ = s.conn.SetDeadline(time.Time{})
		}
		s.cancelling = false
		s.cond.Broadcast()
	}
	if err != nil && (s.closed || s.epoch != epoch || errors.Is(err, net.ErrClosed)) {
		return api.ErrOperationAborted
	}
	return err
}

// Cancel aborts every operation outstanding on the socket.
func (s *Socket) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.epoch++
	if s.connecting {
		s.dialCancel()
		s.dialCtx, s.dialCancel = context.WithCancel(context.Background())
	}
	if s.conn != nil && s.inflight > 0 {
		s.cancelling = true
		_ = s.conn.SetDeadline(aLongTimeAgo)
	}
}

// Close aborts outstanding operations and closes the connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	s.dialCancel()
	conn := s.conn
	s.cond.Broadcast()
	s.mu.Unlock()

	s.svc.forgetSocket(s)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
