// File: reactor/options.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
)

type options struct {
	logger   *zap.Logger
	observer api.Observer
	port     api.CompletionPort
}

// Option configures an IOService.
type Option func(*options)

// WithLogger sets the logger; the service names it "reactor".
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver installs a lifecycle observer, e.g. control.Metrics.
func WithObserver(obs api.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithPort replaces the platform completion port. The IOService takes
// ownership and closes it on Shutdown.
func WithPort(p api.CompletionPort) Option {
	return func(o *options) {
		o.port = p
	}
}
