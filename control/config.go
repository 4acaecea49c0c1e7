// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration: YAML file, environment overrides, validation.

package control

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// Completion port and timer waiter selectors.
const (
	PortAuto  = "auto"
	PortQueue = "queue"

	WaiterNative   = "native"
	WaiterPortable = "portable"
)

// Config is the root configuration of an engine.
type Config struct {
	Reactor  ReactorConfig  `yaml:"reactor"`
	Timer    TimerConfig    `yaml:"timer"`
	Resolver ResolverConfig `yaml:"resolver"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ReactorConfig sizes the poller thread group.
type ReactorConfig struct {
	PollerThreads int    `yaml:"poller_threads"`
	PinThreads    bool   `yaml:"pin_threads"`
	CPUs          []int  `yaml:"cpus"` // pinning targets, round robin; empty = all CPUs
	Port          string `yaml:"port"`
}

// TimerConfig selects the timer waiter.
type TimerConfig struct {
	Waiter string `yaml:"waiter"`
}

// ResolverConfig configures the DNS backend.
type ResolverConfig struct {
	Nameserver string        `yaml:"nameserver"`
	Network    string        `yaml:"network"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// MetricsConfig configures the prometheus observer.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a configuration with one poller per CPU.
func DefaultConfig() *Config {
	return &Config{
		Reactor: ReactorConfig{
			PollerThreads: runtime.NumCPU(),
			Port:          PortAuto,
		},
		Timer: TimerConfig{Waiter: WaiterNative},
		Resolver: ResolverConfig{
			Network: "udp",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "hioload",
		},
	}
}

// ParseConfig decodes YAML on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("control: parse config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads path, applies environment overrides and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HIOLOAD_* environment variables.
func (c *Config) ApplyEnv() error {
	if val := os.Getenv("HIOLOAD_POLLER_THREADS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("control: HIOLOAD_POLLER_THREADS: %w", err)
		}
		c.Reactor.PollerThreads = n
	}
	if val := os.Getenv("HIOLOAD_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("HIOLOAD_NAMESERVER"); val != "" {
		c.Resolver.Nameserver = val
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Reactor.PollerThreads <= 0 {
		return fmt.Errorf("control: reactor.poller_threads must be greater than 0")
	}
	for _, cpu := range c.Reactor.CPUs {
		if cpu < 0 {
			return fmt.Errorf("control: reactor.cpus: negative cpu %d", cpu)
		}
	}
	switch c.Reactor.Port {
	case PortAuto, PortQueue:
	default:
		return fmt.Errorf("control: reactor.port: unknown port %q", c.Reactor.Port)
	}
	switch c.Timer.Waiter {
	case WaiterNative, WaiterPortable:
	default:
		return fmt.Errorf("control: timer.waiter: unknown waiter %q", c.Timer.Waiter)
	}
	switch c.Resolver.Network {
	case "udp", "tcp":
	default:
		return fmt.Errorf("control: resolver.network must be udp or tcp, got %q", c.Resolver.Network)
	}
	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("control: resolver.timeout must be positive")
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("control: log.level: %w", err)
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("control: log.encoding must be json or console, got %q", c.Log.Encoding)
	}
	return nil
}
