// File: internal/concurrency/callstack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CallStack records, per goroutine, which owners (io services, strands) the
// goroutine is currently executing inside of.

package concurrency

import "sync"

// CallStack is a set of per-goroutine frame stacks. The zero value is ready
// to use.
type CallStack[K comparable] struct {
	mu     sync.RWMutex
	frames map[uint64][]K
}

// Push records owner on the calling goroutine's stack. The returned function
// pops it again and must be called on the same goroutine.
func (c *CallStack[K]) Push(owner K) (pop func()) {
	gid := GoroutineID()
	c.mu.Lock()
	if c.frames == nil {
		c.frames = make(map[uint64][]K)
	}
	c.frames[gid] = append(c.frames[gid], owner)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		stack := c.frames[gid]
		if len(stack) <= 1 {
			delete(c.frames, gid)
			return
		}
		c.frames[gid] = stack[:len(stack)-1]
	}
}

// Contains reports whether owner is on the calling goroutine's stack.
func (c *CallStack[K]) Contains(owner K) bool {
	gid := GoroutineID()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range c.frames[gid] {
		if k == owner {
			return true
		}
	}
	return false
}

// Depth returns the number of frames on the calling goroutine's stack.
func (c *CallStack[K]) Depth() int {
	gid := GoroutineID()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames[gid])
}
