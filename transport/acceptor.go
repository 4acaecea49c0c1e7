// File: transport/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

// deadliner is implemented by *net.TCPListener and *net.UnixListener.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Acceptor accepts connections into caller supplied sockets.
type Acceptor struct {
	svc *Service
	ln  net.Listener

	mu         sync.Mutex
	cond       *sync.Cond
	epoch      uint64
	inflight   int
	cancelling bool
	closed     bool
}

func newAcceptor(svc *Service, ln net.Listener) *Acceptor {
	a := &Acceptor{svc: svc, ln: ln}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// AsyncAccept waits for one connection and attaches it to peer.
func (a *Acceptor) AsyncAccept(peer *Socket, handler api.WaitHandler) {
	op := reactor.NewOperation(api.OpAccept, func(err error, _ int) { handler(err) })
	if peer.IsOpen() {
		a.svc.fail(op, api.ErrAlreadyConnected)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.svc.fail(op, api.ErrOperationAborted)
		return
	}
	epoch := a.epoch
	a.mu.Unlock()

	a.svc.start(op, func() {
		a.mu.Lock()
		for a.cancelling && !a.closed {
			a.cond.Wait()
		}
		if a.closed || a.epoch != epoch {
			a.mu.Unlock()
			a.svc.ios.PostDeferredCompletion(op, api.ErrOperationAborted, 0)
			return
		}
		a.inflight++
		a.mu.Unlock()

		c, err := a.ln.Accept()

		a.mu.Lock()
		a.inflight--
		if a.inflight == 0 && a.cancelling {
			if d, ok := a.ln.(deadliner); ok && !a.closed {
				_ = d.SetDeadline(time.Time{})
			}
			a.cancelling = false
			a.cond.Broadcast()
		}
		aborted := a.closed || a.epoch != epoch
		a.mu.Unlock()

		switch {
		case err == nil && aborted:
			c.Close()
			err = api.ErrOperationAborted
		case err == nil:
			if aerr := peer.Attach(c); aerr != nil {
				c.Close()
				err = aerr
			}
		case aborted || errors.Is(err, net.ErrClosed):
			err = api.ErrOperationAborted
		}
		a.svc.ios.PostDeferredCompletion(op, err, 0)
	})
}

// Cancel aborts every pending accept.
func (a *Acceptor) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.epoch++
	if a.inflight == 0 {
		return
	}
	if d, ok := a.ln.(deadliner); ok {
		a.cancelling = true
		_ = d.SetDeadline(aLongTimeAgo)
	}
}

// Close stops listening and aborts pending accepts.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.epoch++
	a.cond.Broadcast()
	a.mu.Unlock()

	a.svc.forgetAcceptor(a)
	return a.ln.Close()
}
