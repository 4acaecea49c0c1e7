// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import "time"

// OpKind tags the variant of a pending operation.
type OpKind uint8

const (
	OpPost OpKind = iota
	OpStrand
	OpTimer
	OpConnect
	OpAccept
	OpRead
	OpWrite
	OpResolve
)

func (k OpKind) String() string {
	switch k {
	case OpPost:
		return "post"
	case OpStrand:
		return "strand"
	case OpTimer:
		return "timer"
	case OpConnect:
		return "connect"
	case OpAccept:
		return "accept"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpResolve:
		return "resolve"
	default:
		return "unknown"
	}
}

// Observer receives reactor lifecycle notifications. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	WorkChanged(outstanding int64)
	OperationCompleted(kind OpKind, err error, elapsed time.Duration)
	OperationDiscarded(kind OpKind)
	HandlerPanicked(kind OpKind, recovered any)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) WorkChanged(int64)                              {}
func (NopObserver) OperationCompleted(OpKind, error, time.Duration) {}
func (NopObserver) OperationDiscarded(OpKind)                      {}
func (NopObserver) HandlerPanicked(OpKind, any)                    {}
