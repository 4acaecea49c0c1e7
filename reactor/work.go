// File: reactor/work.go
// Author: momentics <momentics@gmail.com>

package reactor

import "sync/atomic"

// Work keeps an IOService's run functions from returning for lack of work,
// e.g. while a server waits for its first connection.
type Work struct {
	ios      *IOService
	released atomic.Bool
}

// NewWork starts one unit of work on ios.
func NewWork(ios *IOService) *Work {
	ios.WorkStarted()
	return &Work{ios: ios}
}

// Release retires the work. Subsequent calls do nothing.
func (w *Work) Release() {
	if w.released.CompareAndSwap(false, true) {
		w.ios.WorkFinished()
	}
}
