//go:build !linux

// File: timer/waiter_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import "github.com/benbjohnson/clock"

func newNativeWaiter() (waiter, error) {
	return newClockWaiter(clock.New()), nil
}
