//go:build windows
// +build windows

// File: reactor/port_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows IOCP (I/O Completion Port) implementation of api.CompletionPort.

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-aio/api"
)

var _ api.CompletionPort = (*IOCPPort)(nil)

// IOCPPort wraps a kernel completion port. The kernel packet only carries a
// key and a byte count, so statuses of posted completions travel in errs.
type IOCPPort struct {
	handle windows.Handle
	errs   sync.Map // uintptr -> error
	closed atomic.Bool
}

// NewIOCPPort creates a completion port allowing up to concurrency threads to
// run at once; zero means one per processor.
func NewIOCPPort(concurrency uint32) (*IOCPPort, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, concurrency)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	return &IOCPPort{handle: h}, nil
}

func newDefaultPort() (api.CompletionPort, error) {
	return NewIOCPPort(0)
}

// Register associates handle with the port, using the handle as its key.
func (p *IOCPPort) Register(handle uintptr) (uintptr, error) {
	if p.closed.Load() {
		return 0, api.ErrPortClosed
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(handle), p.handle, handle, 0); err != nil {
		return 0, fmt.Errorf("iocp associate: %w", err)
	}
	return handle, nil
}

// Post queues c with PostQueuedCompletionStatus.
func (p *IOCPPort) Post(c api.Completion) error {
	if p.closed.Load() {
		return api.ErrPortClosed
	}
	if c.Err != nil {
		p.errs.Store(c.Key, c.Err)
	}
	if err := windows.PostQueuedCompletionStatus(p.handle, uint32(c.Bytes), c.Key, nil); err != nil {
		p.errs.Delete(c.Key)
		return fmt.Errorf("iocp post: %w", err)
	}
	return nil
}

// Wait dequeues with GetQueuedCompletionStatus.
func (p *IOCPPort) Wait(timeout time.Duration) (api.Completion, error) {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	var (
		qty        uint32
		key        uintptr
		overlapped *windows.Overlapped
	)
	err := windows.GetQueuedCompletionStatus(p.handle, &qty, &key, &overlapped, ms)
	if p.closed.Load() {
		return api.Completion{}, api.ErrPortClosed
	}
	if err != nil && overlapped == nil {
		if errors.Is(err, syscall.Errno(windows.WAIT_TIMEOUT)) {
			return api.Completion{}, api.ErrWaitTimeout
		}
		return api.Completion{}, fmt.Errorf("iocp wait: %w", err)
	}
	c := api.Completion{Key: key, Bytes: int(qty), Err: err}
	if v, ok := p.errs.LoadAndDelete(key); ok {
		c.Err = v.(error)
	}
	return c, nil
}

// Close closes the port handle; blocked waiters return ErrPortClosed.
func (p *IOCPPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return windows.CloseHandle(p.handle)
}
