// File: timer/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type options struct {
	clock    clock.Clock
	portable bool
	logger   *zap.Logger
	fired    func(n int)
	waiter   waiter
}

// Option configures a Scheduler.
type Option func(*options)

// WithClock drives the scheduler from c and selects the portable waiter.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
		o.portable = true
	}
}

// WithPortableWaiter selects the clock driven waiter on every platform.
func WithPortableWaiter() Option {
	return func(o *options) { o.portable = true }
}

// WithLogger overrides the logger inherited from the IOService.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func withFiredHook(fn func(n int)) Option {
	return func(o *options) { o.fired = fn }
}

func withWaiter(w waiter) Option {
	return func(o *options) { o.waiter = w }
}
