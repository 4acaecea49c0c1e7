//go:build !linux && !windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

const maxCPU = 1024

func setAffinityPlatform(int) error {
	return ErrUnsupported
}

// Allowed is unsupported here.
func Allowed() ([]int, error) {
	return nil, ErrUnsupported
}
