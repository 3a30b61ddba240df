// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Immutable runtime configuration with environment overrides.

package control

import (
	"os"
	"strconv"
)

// Config holds parameters immutable per run.
type Config struct {
	StackSize        int    // Fiber stack reservation in bytes
	FdStoreSize      int    // Initial size of the fd context vector
	MaxPollEvents    int    // Reactor events per wait
	PollCeilingMs    int    // Upper bound on one reactor wait
	ConnectTimeoutMs uint64 // Default interposed connect timeout (0 = none)
	EnableMetrics    bool   // Whether the IO scheduler records metrics
	PinWorkers       bool   // Whether workers bind to CPUs
	LogLevel         string // zerolog level name; "disabled" silences
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		StackSize:        128 * 1024, // 128 KiB fiber stacks
		FdStoreSize:      64,         // 64-slot initial fd vector
		MaxPollEvents:    256,        // 256 events per reactor wait
		PollCeilingMs:    5000,       // 5 s poll ceiling
		ConnectTimeoutMs: 0,          // no implicit connect timeout
		EnableMetrics:    true,
		PinWorkers:       false,
		LogLevel:         "disabled",
	}
}

// FromEnv overlays FIBERLOOP_* environment variables onto the defaults.
func FromEnv() *Config {
	cfg := DefaultConfig()
	if v, ok := envInt("FIBERLOOP_STACK_SIZE"); ok {
		cfg.StackSize = v
	}
	if v, ok := envInt("FIBERLOOP_FD_STORE_SIZE"); ok {
		cfg.FdStoreSize = v
	}
	if v, ok := envInt("FIBERLOOP_MAX_POLL_EVENTS"); ok {
		cfg.MaxPollEvents = v
	}
	if v, ok := envInt("FIBERLOOP_POLL_CEILING_MS"); ok {
		cfg.PollCeilingMs = v
	}
	if v, ok := envInt("FIBERLOOP_CONNECT_TIMEOUT_MS"); ok && v >= 0 {
		cfg.ConnectTimeoutMs = uint64(v)
	}
	if v := os.Getenv("FIBERLOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
