// Package pool
// Author: momentics <momentics@gmail.com>
//
// Typed wrappers over sync.Pool for objects and fixed-size I/O buffers that
// are handed to asynchronous reads and writes and recycled on completion.
package pool
