// File: reactor/operation.go
// Author: momentics <momentics@gmail.com>
//
// Operation is the unit of pending work owned by the reactor between
// submission and its single terminal event.

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-aio/api"
)

const (
	opIdle uint32 = iota
	opReady
	opDone
)

// Operation carries one asynchronous request and its completion callback.
// It reaches exactly one terminal state: completed (callback invoked) or
// destroyed (release hook invoked, callback dropped).
type Operation struct {
	kind    api.OpKind
	state   atomic.Uint32
	created time.Time
	token   uintptr

	complete func(err error, bytes int)
	release  func()
}

// NewOperation builds an operation of the given kind. complete runs on a
// poller goroutine when the operation finishes normally.
func NewOperation(kind api.OpKind, complete func(err error, bytes int)) *Operation {
	return &Operation{
		kind:     kind,
		created:  time.Now(),
		complete: complete,
	}
}

// OnDestroy sets a hook that runs instead of the completion callback when
// the operation is destroyed during teardown.
func (op *Operation) OnDestroy(fn func()) *Operation {
	op.release = fn
	return op
}

// Kind returns the operation variant.
func (op *Operation) Kind() api.OpKind { return op.kind }

// Ready reports whether the operation has been handed to the completion port.
func (op *Operation) Ready() bool { return op.state.Load() == opReady }

// Done reports whether the operation reached its terminal state.
func (op *Operation) Done() bool { return op.state.Load() == opDone }

func (op *Operation) markReady() {
	if !op.state.CompareAndSwap(opIdle, opReady) {
		panic(fmt.Errorf("%w: %s", api.ErrDoubleSubmission, op.kind))
	}
}

// terminate performs the single terminal transition and detaches callbacks.
func (op *Operation) terminate() (complete func(error, int), release func()) {
	if op.state.Swap(opDone) == opDone {
		panic(fmt.Errorf("%w: %s", api.ErrDoubleCompletion, op.kind))
	}
	complete, release = op.complete, op.release
	op.complete, op.release = nil, nil
	return complete, release
}

func (op *Operation) invoke(err error, bytes int) {
	complete, _ := op.terminate()
	if complete != nil {
		complete(err, bytes)
	}
}

func (op *Operation) destroy() {
	_, release := op.terminate()
	if release != nil {
		release()
	}
}
