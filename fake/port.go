// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fake provides scripted collaborators for tests.
package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
)

var _ api.CompletionPort = (*Port)(nil)

// Port is a simulated completion primitive. Posted completions pass through
// Rewrite, which lets a test decide what "the OS" reports for each token, and
// WaitErr injects failures into Wait.
type Port struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []api.Completion
	posted  []api.Completion
	closed  bool
	waits   int
	waitErr error

	// Rewrite, if set, maps every non-stop completion before it is queued.
	Rewrite func(api.Completion) api.Completion
}

// NewPort returns an empty simulated port.
func NewPort() *Port {
	p := &Port{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Port) Register(handle uintptr) (uintptr, error) {
	return handle, nil
}

func (p *Port) Post(c api.Completion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrPortClosed
	}
	if c.Key != api.StopKey && p.Rewrite != nil {
		c = p.Rewrite(c)
	}
	p.posted = append(p.posted, c)
	p.queue = append(p.queue, c)
	p.cond.Signal()
	return nil
}

// Wait blocks on a condition variable; positive timeouts are rounded to a
// non-blocking check after sleeping for the timeout.
func (p *Port) Wait(timeout time.Duration) (api.Completion, error) {
	if timeout > 0 {
		time.Sleep(timeout)
		timeout = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	for {
		if p.waitErr != nil {
			err := p.waitErr
			p.waitErr = nil
			return api.Completion{}, err
		}
		if p.closed {
			return api.Completion{}, api.ErrPortClosed
		}
		if len(p.queue) > 0 {
			c := p.queue[0]
			p.queue = p.queue[1:]
			return c, nil
		}
		if timeout == 0 {
			return api.Completion{}, api.ErrWaitTimeout
		}
		p.cond.Wait()
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// FailNextWait makes the next Wait call return err.
func (p *Port) FailNextWait(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr = err
	p.cond.Broadcast()
}

// Inject queues a raw completion, bypassing Rewrite. Used to simulate a
// corrupted token.
func (p *Port) Inject(c api.Completion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, c)
	p.cond.Signal()
}

// Posted returns every completion accepted by Post, in order.
func (p *Port) Posted() []api.Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]api.Completion, len(p.posted))
	copy(out, p.posted)
	return out
}

// Pending returns the number of queued completions.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Waits returns the number of Wait calls that reached the queue.
func (p *Port) Waits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
