// File: reactor/port.go
// Author: momentics <momentics@gmail.com>
//
// In-process completion port used on platforms without IOCP and by tests.

package reactor

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-aio/api"
)

var _ api.CompletionPort = (*QueuePort)(nil)

// QueuePort is an unbounded completion queue with blocking, timed and
// non-blocking waits. Any number of goroutines may wait concurrently.
type QueuePort struct {
	mu     sync.Mutex
	q      *queue.Queue // of api.Completion
	closed bool

	notify chan struct{} // capacity 1, coalesced wake-ups
	done   chan struct{}
}

// NewQueuePort creates an empty, open port.
func NewQueuePort() *QueuePort {
	return &QueuePort{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Register returns the handle itself as its completion key. There is no
// kernel object to associate the handle with.
func (p *QueuePort) Register(handle uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, api.ErrPortClosed
	}
	return handle, nil
}

// Post queues c and wakes one waiter.
func (p *QueuePort) Post(c api.Completion) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrPortClosed
	}
	p.q.Add(c)
	p.mu.Unlock()
	p.wake()
	return nil
}

// Wait dequeues the next completion.
func (p *QueuePort) Wait(timeout time.Duration) (api.Completion, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return api.Completion{}, api.ErrPortClosed
		}
		if p.q.Length() > 0 {
			c := p.q.Remove().(api.Completion)
			more := p.q.Length() > 0
			p.mu.Unlock()
			// A coalesced wake-up may have been swallowed; pass it on so
			// the remaining entries are not left behind a sleeping waiter.
			if more {
				p.wake()
			}
			return c, nil
		}
		p.mu.Unlock()

		if timeout == 0 {
			return api.Completion{}, api.ErrWaitTimeout
		}
		select {
		case <-p.notify:
		case <-expired:
			return api.Completion{}, api.ErrWaitTimeout
		case <-p.done:
			return api.Completion{}, api.ErrPortClosed
		}
	}
}

// Len returns the number of queued completions.
func (p *QueuePort) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

// Close discards queued completions and releases blocked waiters.
func (p *QueuePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.q = queue.New()
	close(p.done)
	return nil
}

func (p *QueuePort) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
