// File: reactor/registry.go
// Author: momentics <momentics@gmail.com>
//
// Per-IOService registry of singleton services keyed by their Go type.

package reactor

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
)

// Service is a pluggable singleton owned by one IOService.
type Service interface {
	// ShutdownService releases every handler the service still holds. It is
	// called once, before any service is released.
	ShutdownService()
}

// Owned is implemented by services that know their owning IOService.
type Owned interface {
	IOService() *IOService
}

type serviceEntry struct {
	key reflect.Type
	svc Service
	seq uint64
}

type registry struct {
	owner *IOService

	mu       sync.Mutex
	entries  []*serviceEntry // insertion order
	seq      uint64
	shutdown bool
}

func newRegistry(owner *IOService) *registry {
	return &registry{owner: owner}
}

func (r *registry) lookup(key reflect.Type) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, api.ErrShutdown
	}
	for _, e := range r.entries {
		if e.key == key {
			return e.svc, nil
		}
	}
	return nil, nil
}

// insert registers svc under key. If key is taken the existing service is
// returned, or ErrServiceExists when strict.
func (r *registry) insert(key reflect.Type, svc Service, strict bool) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, api.ErrShutdown
	}
	for _, e := range r.entries {
		if e.key == key {
			if strict {
				return nil, fmt.Errorf("%w: %s", api.ErrServiceExists, key)
			}
			return e.svc, nil
		}
	}
	r.seq++
	r.entries = append(r.entries, &serviceEntry{key: key, svc: svc, seq: r.seq})
	r.owner.log.Debug("service registered", zap.Stringer("type", key), zap.Uint64("seq", r.seq))
	return nil, nil
}

func (r *registry) snapshotReversed() []*serviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*serviceEntry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	return out
}

// shutdownAll closes the registry to new services and calls every
// ShutdownService hook, newest first.
func (r *registry) shutdownAll() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	for _, e := range r.snapshotReversed() {
		e.svc.ShutdownService()
	}
}

// destroyAll releases every service, newest first.
func (r *registry) destroyAll() error {
	var err error
	for _, e := range r.snapshotReversed() {
		if c, ok := e.svc.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("reactor: close %s: %w", e.key, cerr))
			}
		}
	}
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
	return err
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// UseService returns the T registered with ios, creating it with factory on
// first use. The factory runs without the registry lock held so it may use
// other services. If another goroutine registers T first, the freshly built
// instance is shut down and the registered one is returned.
func UseService[T Service](ios *IOService, factory func(*IOService) (T, error)) (T, error) {
	var zero T
	key := reflect.TypeFor[T]()
	if svc, err := ios.registry.lookup(key); err != nil {
		return zero, err
	} else if svc != nil {
		return svc.(T), nil
	}

	created, err := factory(ios)
	if err != nil {
		return zero, fmt.Errorf("reactor: create %s: %w", key, err)
	}
	existing, err := ios.registry.insert(key, created, false)
	if err != nil {
		created.ShutdownService()
		return zero, err
	}
	if existing != nil {
		created.ShutdownService()
		return existing.(T), nil
	}
	return created, nil
}

// AddService registers svc as the T of ios. It fails when T is already
// registered or when svc belongs to another io service.
func AddService[T Service](ios *IOService, svc T) error {
	if o, ok := any(svc).(Owned); ok && o.IOService() != ios {
		return api.ErrInvalidServiceOwner
	}
	_, err := ios.registry.insert(reflect.TypeFor[T](), svc, true)
	return err
}

// HasService reports whether a T is registered with ios.
func HasService[T Service](ios *IOService) bool {
	svc, err := ios.registry.lookup(reflect.TypeFor[T]())
	return err == nil && svc != nil
}
