// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared by the reactor, its services and the adapters.

package api

import "errors"

// Errors delivered to completion handlers.
var (
	ErrOperationAborted = errors.New("operation aborted")
	ErrNotConnected     = errors.New("socket is not connected")
	ErrAlreadyConnected = errors.New("socket is already connected")
	ErrHostNotFound     = errors.New("host not found")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Errors returned synchronously by the reactor and the service registry.
var (
	ErrShutdown            = errors.New("io service is shut down")
	ErrServiceExists       = errors.New("service already exists")
	ErrInvalidServiceOwner = errors.New("service is owned by a different io service")
	ErrTimerExists         = errors.New("timer key already armed")
)

// Completion port errors.
var (
	ErrWaitTimeout = errors.New("completion port wait timed out")
	ErrPortClosed  = errors.New("completion port is closed")
)

// Internal consistency violations. These are raised as panics, never returned.
var (
	ErrStaleCompletion  = errors.New("completion token does not refer to a live operation")
	ErrDoubleCompletion = errors.New("operation reached a terminal state twice")
	ErrDoubleSubmission = errors.New("operation submitted twice")
)
