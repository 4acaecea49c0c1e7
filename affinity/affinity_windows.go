//go:build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows thread affinity through SetThreadAffinityMask.

package affinity

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Single processor group only.
const maxCPU = int(unsafe.Sizeof(uintptr(0)) * 8)

var procSetThreadAffinityMask = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadAffinityMask")

// setAffinityPlatform sets the calling thread's affinity mask to cpuID.
func setAffinityPlatform(cpuID int) error {
	mask := uintptr(1) << uint(cpuID)
	ret, _, err := procSetThreadAffinityMask.Call(uintptr(windows.CurrentThread()), mask)
	if ret == 0 {
		return fmt.Errorf("affinity: SetThreadAffinityMask cpu %d: %w", cpuID, err)
	}
	return nil
}

// Allowed returns every CPU of the current processor group.
func Allowed() ([]int, error) {
	n := runtime.NumCPU()
	if n > maxCPU {
		n = maxCPU
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}
