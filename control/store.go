// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration snapshot with reload listeners.

package control

import (
	"slices"
	"sync"
)

// Store holds the active Config and notifies listeners when it is replaced.
// Listeners run synchronously, in registration order, outside the lock.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// NewStore returns a store holding cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns the active configuration. Callers must not mutate it.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update validates cfg, makes it active and dispatches reload listeners.
func (s *Store) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Reload loads path and applies it with Update.
func (s *Store) Reload(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return s.Update(cfg)
}

// OnReload registers fn to run after every Update.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
