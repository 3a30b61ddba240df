// File: facade/fiberloop.go
// Unified facade layer for the fiberloop runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The Runtime aggregates the IO scheduler, timer surface and hook
// enablement behind a single construction point with immutable
// configuration.

package facade

import (
	"fmt"
	"sync"

	"github.com/momentics/fiberloop/control"
	"github.com/momentics/fiberloop/iosched"
	"github.com/momentics/fiberloop/scheduler"
	"github.com/momentics/fiberloop/timer"
)

// Config holds parameters immutable per run.
type Config struct {
	Workers    int             // Number of worker threads
	UseCaller  bool            // Whether the constructing flow participates
	Name       string          // Runtime name used in logs
	EnableHook bool            // Run fibers with the syscall hook enabled
	Runtime    *control.Config // Low-level runtime tuning
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Workers:    4,
		UseCaller:  false,
		Name:       "fiberloop",
		EnableHook: true,
		Runtime:    control.DefaultConfig(),
	}
}

// Runtime is the main facade type.
type Runtime struct {
	cfg *Config
	mgr *iosched.IOManager

	mu      sync.Mutex
	stopped bool
}

// New constructs and starts a Runtime with the given configuration.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("facade: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Runtime == nil {
		cfg.Runtime = control.DefaultConfig()
	}
	mgr := iosched.New(cfg.Workers, cfg.UseCaller, cfg.Name,
		iosched.WithConfig(cfg.Runtime),
		iosched.WithHookEnabled(cfg.EnableHook),
	)
	return &Runtime{cfg: cfg, mgr: mgr}, nil
}

// Manager exposes the underlying IO scheduler.
func (r *Runtime) Manager() *iosched.IOManager { return r.mgr }

// Submit schedules a callable on any worker.
func (r *Runtime) Submit(fn func()) error {
	return r.mgr.Post(fn, scheduler.AnyWorker)
}

// SubmitTo schedules a callable pinned to a worker id.
func (r *Runtime) SubmitTo(fn func(), worker int) error {
	return r.mgr.Post(fn, worker)
}

// After runs fn once after ms milliseconds.
func (r *Runtime) After(ms uint64, fn func()) *timer.Timer {
	return r.mgr.Add(ms, fn, false)
}

// Every runs fn every ms milliseconds until cancelled.
func (r *Runtime) Every(ms uint64, fn func()) *timer.Timer {
	return r.mgr.Add(ms, fn, true)
}

// Metrics returns the runtime counters.
func (r *Runtime) Metrics() map[string]int64 {
	return r.mgr.Metrics().GetSnapshot()
}

// Stop drains the scheduler and releases the reactor. Safe to call
// more than once.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.mgr.Close()
}
