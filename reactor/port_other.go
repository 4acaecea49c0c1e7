//go:build !windows
// +build !windows

// File: reactor/port_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/hioload-aio/api"

// newDefaultPort returns the platform completion port.
func newDefaultPort() (api.CompletionPort, error) {
	return NewQueuePort(), nil
}
