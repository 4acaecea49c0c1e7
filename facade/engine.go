// File: facade/engine.go
// Unified facade layer for hioload-aio.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine aggregates one IOService with its timer, resolver and transport
// services, a poller thread group, metrics, debug probes and the reloadable
// configuration store.

package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-aio/affinity"
	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/control"
	"github.com/momentics/hioload-aio/reactor"
	"github.com/momentics/hioload-aio/resolver"
	"github.com/momentics/hioload-aio/timer"
	"github.com/momentics/hioload-aio/transport"
)

// ErrEngineClosed is returned by Start after Shutdown.
var ErrEngineClosed = errors.New("facade: engine is shut down")

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Engine)(nil)

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger *zap.Logger
}

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// Engine is the main facade type.
type Engine struct {
	store   *control.Store
	log     *zap.Logger
	level   zap.AtomicLevel
	metrics *control.Metrics
	probes  *control.DebugProbes

	ios       *reactor.IOService
	timers    *timer.Scheduler
	resolver  *resolver.Service
	transport *transport.Service

	mu      sync.Mutex // protects started, closed, work, group
	started bool
	closed  bool
	work    *reactor.Work
	group   *errgroup.Group
	running atomic.Bool
}

// New validates cfg and builds every engine component. Poller threads are
// not started until Start.
func New(cfg *control.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		store:  control.NewStore(cfg),
		probes: control.NewDebugProbes(),
	}
	if o.logger != nil {
		e.log = o.logger
		e.level = zap.NewAtomicLevel()
	} else {
		logger, level, err := control.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		e.log, e.level = logger, level
	}

	ropts := []reactor.Option{reactor.WithLogger(e.log)}
	if cfg.Metrics.Enabled {
		m, err := control.NewMetrics(cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		e.metrics = m
		ropts = append(ropts, reactor.WithObserver(m))
	}
	if cfg.Reactor.Port == control.PortQueue {
		ropts = append(ropts, reactor.WithPort(reactor.NewQueuePort()))
	}
	ios, err := reactor.New(ropts...)
	if err != nil {
		return nil, fmt.Errorf("facade: io service: %w", err)
	}
	e.ios = ios
	if e.metrics != nil {
		e.metrics.BindWork(ios.OutstandingWork)
	}

	if err := e.buildServices(cfg); err != nil {
		return nil, multierr.Append(err, ios.Shutdown())
	}

	e.registerProbes()
	e.store.OnReload(func(c *control.Config) {
		control.SetLevel(e.level, c.Log)
		e.log.Info("configuration reloaded", zap.String("level", c.Log.Level))
	})
	return e, nil
}

func (e *Engine) buildServices(cfg *control.Config) error {
	topts := []timer.Option{timer.WithLogger(e.log)}
	if cfg.Timer.Waiter == control.WaiterPortable {
		topts = append(topts, timer.WithPortableWaiter())
	}
	timers, err := timer.Use(e.ios, topts...)
	if err != nil {
		return fmt.Errorf("facade: timer service: %w", err)
	}
	e.timers = timers

	res := resolver.New(e.ios, resolver.Config{
		Nameserver: cfg.Resolver.Nameserver,
		Network:    cfg.Resolver.Network,
		Timeout:    cfg.Resolver.Timeout,
	})
	if err := reactor.AddService(e.ios, res); err != nil {
		return fmt.Errorf("facade: resolver service: %w", err)
	}
	e.resolver = res

	tr, err := transport.Use(e.ios)
	if err != nil {
		return fmt.Errorf("facade: transport service: %w", err)
	}
	e.transport = tr
	return nil
}

func (e *Engine) registerProbes() {
	control.RegisterPlatformProbes(e.probes)
	e.probes.RegisterProbe("reactor.id", func() any { return e.ios.ID() })
	e.probes.RegisterProbe("reactor.outstanding_work", func() any { return e.ios.OutstandingWork() })
	e.probes.RegisterProbe("reactor.stopped", func() any { return e.ios.Stopped() })
	e.probes.RegisterProbe("timer.pending", func() any { return e.timers.Pending() })
	e.probes.RegisterProbe("engine.running", func() any { return e.Running() })
}

// Start holds a work guard on the IOService and launches the configured
// number of poller threads. Subsequent calls have no effect.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}

	cfg := e.store.Snapshot().Reactor
	e.ios.Reset()
	e.work = reactor.NewWork(e.ios)
	e.group = new(errgroup.Group)
	for i := 0; i < cfg.PollerThreads; i++ {
		i := i
		e.group.Go(func() error {
			if cfg.PinThreads {
				cpu := affinity.CPUFor(i, cfg.CPUs)
				// The pinned thread is retired when this goroutine exits.
				if _, err := affinity.PinCurrentThread(cpu); err != nil {
					e.log.Warn("poller pinning failed", zap.Int("poller", i), zap.Int("cpu", cpu), zap.Error(err))
				}
			}
			n, err := e.ios.Run()
			e.log.Debug("poller exited", zap.Int("poller", i), zap.Int("handlers", n))
			return err
		})
	}
	e.started = true
	e.running.Store(true)
	e.log.Info("engine started",
		zap.String("ios", e.ios.ID()),
		zap.Int("pollers", cfg.PollerThreads),
		zap.Bool("pinned", cfg.PinThreads))
	return nil
}

// Stop releases the work guard, stops the IOService and waits for the
// poller threads, or for ctx. Pending operations stay queued and run after a
// later Start. Calling Stop on a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.work.Release()
	e.ios.Stop()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()
	select {
	case err := <-done:
		e.started = false
		e.running.Store(false)
		e.log.Info("engine stopped", zap.String("ios", e.ios.ID()))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown implements api.GracefulShutdown: it stops the pollers, then
// shuts the IOService and every registered service down.
func (e *Engine) Shutdown() error {
	err := e.Stop(context.Background())
	e.mu.Lock()
	already := e.closed
	e.closed = true
	e.mu.Unlock()
	if already {
		return err
	}
	err = multierr.Append(err, e.ios.Shutdown())
	_ = e.log.Sync()
	return err
}

// Running reports whether the poller threads are up.
func (e *Engine) Running() bool { return e.running.Load() }

// Post schedules handler on the poller threads.
func (e *Engine) Post(handler api.Handler) { e.ios.Post(handler) }

// Reload loads path into the configuration store. Only the log level is
// applied to a running engine.
func (e *Engine) Reload(path string) error { return e.store.Reload(path) }

// IOService returns the engine reactor.
func (e *Engine) IOService() *reactor.IOService { return e.ios }

// Timers returns the timer scheduler.
func (e *Engine) Timers() *timer.Scheduler { return e.timers }

// NewDeadlineTimer creates a deadline timer on the engine scheduler.
func (e *Engine) NewDeadlineTimer() *timer.DeadlineTimer { return e.timers.NewDeadlineTimer() }

// Resolver returns the resolver service.
func (e *Engine) Resolver() *resolver.Service { return e.resolver }

// Transport returns the socket service.
func (e *Engine) Transport() *transport.Service { return e.transport }

// Metrics returns the prometheus observer, or nil when metrics are disabled.
func (e *Engine) Metrics() *control.Metrics { return e.metrics }

// Probes returns the debug probe registry.
func (e *Engine) Probes() *control.DebugProbes { return e.probes }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.log }

// Store returns the configuration store.
func (e *Engine) Store() *control.Store { return e.store }
