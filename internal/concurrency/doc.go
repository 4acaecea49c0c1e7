// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine identity and per-goroutine call stacks. The reactor and strands
// use them to answer "is the calling goroutine currently executing inside
// me?", which decides whether Dispatch may run a handler inline.
package concurrency
