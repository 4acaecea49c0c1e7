// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// zap logger construction from LogConfig.

package control

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds a logger for cfg. The returned level can be changed at
// runtime, e.g. from a Store reload listener.
func NewLogger(cfg LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("control: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("control: build logger: %w", err)
	}
	return logger, level, nil
}

// SetLevel applies cfg.Level to level, ignoring invalid values.
func SetLevel(level zap.AtomicLevel, cfg LogConfig) {
	_ = level.UnmarshalText([]byte(cfg.Level))
}
