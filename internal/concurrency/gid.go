// File: internal/concurrency/gid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "runtime"

// GoroutineID returns the runtime id of the calling goroutine, parsed from the
// "goroutine N [" header of its stack trace.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
