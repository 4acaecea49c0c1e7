// File: facade/fx.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// fx wiring: the Engine and its services as injectable components, with
// poller threads bound to the application lifecycle.

package facade

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/control"
	"github.com/momentics/hioload-aio/reactor"
	"github.com/momentics/hioload-aio/resolver"
	"github.com/momentics/hioload-aio/timer"
	"github.com/momentics/hioload-aio/transport"
)

// Module provides *Engine and its components. It requires a *control.Config
// and accepts an optional *zap.Logger.
var Module = fx.Module("hioload",
	fx.Provide(
		ProvideEngine,
		func(e *Engine) *reactor.IOService { return e.IOService() },
		func(e *Engine) *timer.Scheduler { return e.Timers() },
		func(e *Engine) *resolver.Service { return e.Resolver() },
		func(e *Engine) *transport.Service { return e.Transport() },
		func(e *Engine) *control.DebugProbes { return e.Probes() },
	),
	fx.Invoke(registerLifecycle),
)

// EngineParams are the dependencies of ProvideEngine.
type EngineParams struct {
	fx.In

	Config *control.Config
	Logger *zap.Logger `optional:"true"`
}

// ProvideEngine builds an Engine from injected parameters.
func ProvideEngine(p EngineParams) (*Engine, error) {
	var opts []Option
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	return New(p.Config, opts...)
}

// FxLogger routes fx events to the engine logger.
func FxLogger(e *Engine) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: e.Logger().Named("fx")}
}

// registerLifecycle starts pollers on application start and shuts the
// engine down on stop.
func registerLifecycle(lc fx.Lifecycle, e *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return e.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := e.Stop(ctx); err != nil {
				return err
			}
			return e.Shutdown()
		},
	})
}
