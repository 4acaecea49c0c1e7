// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for pinning poller threads to CPUs. Platform-specific
// implementations live in affinity_linux.go, affinity_windows.go and
// affinity_stub.go.

package affinity

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupported is returned where thread affinity is not available.
var ErrUnsupported = errors.New("affinity: not supported on this platform")

// SetAffinity pins the calling OS thread to cpuID. The caller must have
// locked its goroutine to the thread.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= maxCPU {
		return fmt.Errorf("affinity: cpu %d out of range", cpuID)
	}
	return setAffinityPlatform(cpuID)
}

// PinCurrentThread locks the calling goroutine to its OS thread and pins
// that thread to cpuID. The returned func undoes the goroutine lock; a
// goroutine that exits without calling it retires the pinned thread.
func PinCurrentThread(cpuID int) (unlock func(), err error) {
	runtime.LockOSThread()
	if err := SetAffinity(cpuID); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return runtime.UnlockOSThread, nil
}

// CPUFor maps poller index i onto cpus round robin, or onto all CPUs when
// cpus is empty.
func CPUFor(i int, cpus []int) int {
	if len(cpus) == 0 {
		return i % runtime.NumCPU()
	}
	return cpus[i%len(cpus)]
}
