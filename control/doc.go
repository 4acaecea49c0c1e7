// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for the engine.
//
// Provides:
//   - Config loading from YAML with HIOLOAD_* environment overrides
//   - Store, an atomic config snapshot with reload listeners
//   - zap logger construction with a runtime adjustable level
//   - Metrics, a prometheus backed api.Observer
//   - DebugProbes and platform probe registration
package control
