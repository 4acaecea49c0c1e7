// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the completion-queue driven io service: a pool of
// poller goroutines dequeues completions from one completion port, validates
// each token against the table of live operations and runs the operation's
// handler. The package also hosts the per-service registry that ties the
// lifetime of socket, resolver and timer services to their owning IOService.
//
// The completion port is IOCP on Windows and an in-process queue elsewhere.
package reactor
