//go:build linux

// File: timer/waiter_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// timerfd + eventfd multiplexed through epoll.

package timer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const maxEpollEvents = 64

type epollWaiter struct {
	epfd int
	evfd int

	mu  sync.Mutex
	fds map[int]uint64 // timerfd -> entry id
	ids map[uint64]int

	events []unix.EpollEvent
	closed atomic.Bool
}

func newNativeWaiter() (waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timer: epoll_create1: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("timer: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		unix.Close(evfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("timer: register eventfd: %w", err)
	}
	return &epollWaiter{
		epfd:   epfd,
		evfd:   evfd,
		fds:    make(map[int]uint64),
		ids:    make(map[uint64]int),
		events: make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func (w *epollWaiter) arm(id uint64, deadline time.Time) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("timer: timerfd_create: %w", err)
	}
	d := time.Until(deadline)
	if d <= 0 {
		// A zero it_value disarms, so expired deadlines fire in 1ns.
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("timer: timerfd_settime: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		unix.Close(fd)
		return errWaiterClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return fmt.Errorf("timer: register timerfd: %w", err)
	}
	w.fds[fd] = id
	w.ids[id] = fd
	return nil
}

func (w *epollWaiter) disarm(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fd, ok := w.ids[id]
	if !ok {
		return
	}
	delete(w.ids, id)
	delete(w.fds, fd)
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
}

func (w *epollWaiter) wait() ([]uint64, error) {
	for {
		if w.closed.Load() {
			return nil, errWaiterClosed
		}
		n, err := unix.EpollWait(w.epfd, w.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("timer: epoll_wait: %w", err)
		}

		var fired []uint64
		var buf [8]byte
		for i := 0; i < n; i++ {
			fd := int(w.events[i].Fd)
			if fd == w.evfd {
				_, _ = unix.Read(w.evfd, buf[:])
				continue
			}
			w.mu.Lock()
			id, ok := w.fds[fd]
			if ok {
				// The descriptor may have been reused by a timer that has not
				// expired yet; EAGAIN tells them apart.
				if _, rerr := unix.Read(fd, buf[:]); rerr == nil {
					fired = append(fired, id)
				}
			}
			w.mu.Unlock()
		}
		if w.closed.Load() {
			return nil, errWaiterClosed
		}
		return fired, nil
	}
}

func (w *epollWaiter) signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.evfd, buf[:])
}

func (w *epollWaiter) interrupt() {
	w.closed.Store(true)
	w.signal()
}

func (w *epollWaiter) close() error {
	w.interrupt()
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	for fd := range w.fds {
		err = multierr.Append(err, unix.Close(fd))
	}
	w.fds = make(map[int]uint64)
	w.ids = make(map[uint64]int)
	err = multierr.Append(err, unix.Close(w.evfd))
	err = multierr.Append(err, unix.Close(w.epfd))
	return err
}
