// File: api/handler.go
// Package api defines completion handler shapes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net/netip"

// Handler is a zero-argument callable scheduled through Post or Dispatch.
type Handler func()

// CompletionHandler receives the outcome of a byte-oriented operation.
type CompletionHandler func(err error, bytes int)

// WaitHandler receives the outcome of a connect, accept or timer wait.
type WaitHandler func(err error)

// ResolveHandler receives the endpoints a host name resolved to.
type ResolveHandler func(err error, endpoints []netip.AddrPort)
