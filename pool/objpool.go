// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// ObjectPool recycles values of one type.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is an ObjectPool backed by sync.Pool.
type SyncPool[T any] struct {
	pool sync.Pool
}

// NewSyncPool creates a pool that calls creator when empty.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any { return creator() }
	return sp
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}
