//go:build windows

// control/platform_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific debug probes.

package control

import (
	"runtime"
)

// RegisterPlatformProbes adds CPU and completion port probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.completion_port", func() any { return "iocp" })
	dp.RegisterProbe("platform.timer_waiter", func() any { return "clock" })
}
