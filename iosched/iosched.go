// File: iosched/iosched.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package iosched layers the readiness reactor over the cooperative
// scheduler and the timer set. Blocking-style I/O suspends its fiber in
// a per-descriptor event slot; the reactor loop (the workers' idle
// fiber) waits on epoll, fires due timers and schedules the parties of
// ready descriptors back onto their recorded schedulers.
package iosched

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/control"
	"github.com/momentics/fiberloop/fdctx"
	"github.com/momentics/fiberloop/fiber"
	"github.com/momentics/fiberloop/pool"
	"github.com/momentics/fiberloop/reactor"
	"github.com/momentics/fiberloop/scheduler"
	"github.com/momentics/fiberloop/timer"
)

// IOManager is the reactor-backed scheduler.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	cfg      *control.Config
	log      zerolog.Logger
	demux    api.Demux
	notifier api.Notifier
	store    *fdctx.Store

	pending    atomic.Int64
	closed     atomic.Bool
	hookFibers bool

	metrics *control.MetricsRegistry

	// Per-wait scratch, pooled because every worker's idle fiber runs
	// its own reactor iteration.
	scratch *pool.SyncPool[*waitScratch]
}

// waitScratch is one idle fiber's reactor buffers: the readiness slice
// and the drained-callable ring.
type waitScratch struct {
	ready   []api.Ready
	expired []func()
	cbRing  *pool.RingBuffer[func()]
}

// Option configures an IOManager.
type Option func(*IOManager)

// WithConfig overrides the default runtime configuration.
func WithConfig(cfg *control.Config) Option {
	return func(io *IOManager) {
		if cfg != nil {
			io.cfg = cfg
		}
	}
}

// WithHookEnabled runs every fiber of this manager with the syscall
// hook flag set.
func WithHookEnabled(v bool) Option {
	return func(io *IOManager) { io.hookFibers = v }
}

// New creates an IOManager and starts its workers. Failure to create
// the readiness facility or the wakeup descriptor is fatal.
func New(threads int, useCaller bool, name string, opts ...Option) *IOManager {
	io := &IOManager{cfg: control.DefaultConfig()}
	for _, o := range opts {
		o(io)
	}
	io.log = control.NewLogger("iosched", io.cfg.LogLevel)
	io.metrics = control.NewMetricsRegistry()

	demux, err := reactor.NewDemux(io.cfg.MaxPollEvents)
	if err != nil {
		panic(fmt.Sprintf("iosched: %v", err))
	}
	notifier, err := reactor.NewNotifier()
	if err != nil {
		panic(fmt.Sprintf("iosched: %v", err))
	}
	io.demux = demux
	io.notifier = notifier
	if err := io.demux.Add(io.notifier.FD(), api.EventRead); err != nil {
		panic(fmt.Sprintf("iosched: register wakeup: %v", err))
	}

	io.store = fdctx.Global()
	io.store.EnsureSize(io.cfg.FdStoreSize)
	maxEvents := io.cfg.MaxPollEvents
	io.scratch = pool.NewSyncPool(func() *waitScratch {
		return &waitScratch{
			ready:  make([]api.Ready, maxEvents),
			cbRing: pool.NewRingBuffer[func()](1024),
		}
	})

	io.Manager = timer.NewManager()
	io.Manager.SetOnFrontInserted(io.tickle)

	io.Scheduler = scheduler.New(threads, useCaller, name,
		scheduler.WithLogger(io.log),
		scheduler.WithHookEnabled(io.hookFibers),
		scheduler.WithPinning(io.cfg.PinWorkers),
		scheduler.WithStackSize(io.cfg.StackSize),
	)
	io.Scheduler.SetOwnerRef(io)
	io.Scheduler.SetHooks(io.tickle, io.idleWait, io.stopping)
	io.Scheduler.Start()
	return io
}

// Current returns the IOManager bound to the calling flow, or nil.
func Current() *IOManager {
	v := scheduler.CurrentOwner()
	m, _ := v.(*IOManager)
	return m
}

// Store exposes the descriptor store.
func (io *IOManager) Store() *fdctx.Store { return io.store }

// Metrics exposes the manager's counters.
func (io *IOManager) Metrics() *control.MetricsRegistry { return io.metrics }

// PendingEvents returns the count of armed event slots.
func (io *IOManager) PendingEvents() int64 { return io.pending.Load() }

// ConnectTimeoutMs returns the configured default connect timeout, or
// fdctx.NoTimeout when none is set.
func (io *IOManager) ConnectTimeoutMs() uint64 {
	if io.cfg.ConnectTimeoutMs == 0 {
		return fdctx.NoTimeout
	}
	return io.cfg.ConnectTimeoutMs
}

// AddEvent arms the (fd, event) slot. With a nil callback the current
// fiber is captured and resumed on readiness. Arming an already armed
// slot is an error.
func (io *IOManager) AddEvent(fd int, event api.Event, cb func()) error {
	if event != api.EventRead && event != api.EventWrite {
		return fmt.Errorf("iosched: invalid event %s", event)
	}
	if fd < 0 {
		return api.ErrFdNotFound
	}
	ctx := io.store.Get(fd, true)

	ctx.Mu.Lock()
	defer ctx.Mu.Unlock()
	if ctx.Events.Has(event) {
		return api.ErrEventExists
	}

	next := ctx.Events | event
	var err error
	if ctx.Events == api.EventNone {
		err = io.demux.Add(fd, next)
	} else {
		err = io.demux.Mod(fd, next)
	}
	if err != nil {
		io.log.Error().Err(err).Int("fd", fd).Str("event", event.String()).
			Msg("event registration failed")
		return err
	}
	ctx.Events = next

	slot := ctx.Slot(event)
	slot.Scheduler = io
	if cb != nil {
		slot.Fn = cb
	} else {
		f := fiber.Current()
		if f.IsRoot() {
			panic("iosched: add event without callback outside a fiber")
		}
		slot.Fiber = f
	}
	io.pending.Add(1)
	if io.cfg.EnableMetrics {
		io.metrics.Add("io.events_armed", 1)
	}
	return nil
}

// DelEvent disarms the (fd, event) slot without waking its party.
// Returns true iff the event was armed.
func (io *IOManager) DelEvent(fd int, event api.Event) bool {
	ctx := io.store.Get(fd, false)
	if ctx == nil {
		return false
	}
	ctx.Mu.Lock()
	defer ctx.Mu.Unlock()
	if !ctx.Events.Has(event) {
		return false
	}

	left := ctx.Events &^ event
	io.updateRegistration(fd, left)
	ctx.Events = left
	ctx.Slot(event).Clear()
	io.pending.Add(-1)
	return true
}

// CancelEvent disarms the (fd, event) slot and fires its party as a
// synthetic readiness. Returns true iff the event was armed.
func (io *IOManager) CancelEvent(fd int, event api.Event) bool {
	ctx := io.store.Get(fd, false)
	if ctx == nil {
		return false
	}
	ctx.Mu.Lock()
	defer ctx.Mu.Unlock()
	if !ctx.Events.Has(event) {
		return false
	}

	left := ctx.Events &^ event
	io.updateRegistration(fd, left)
	io.triggerLocked(ctx, event)
	return true
}

// CancelAll removes the fd from the facility and fires every armed slot.
func (io *IOManager) CancelAll(fd int) {
	ctx := io.store.Get(fd, false)
	if ctx == nil {
		return
	}
	ctx.Mu.Lock()
	defer ctx.Mu.Unlock()
	if ctx.Events == api.EventNone {
		return
	}
	if err := io.demux.Del(fd); err != nil {
		io.log.Warn().Err(err).Int("fd", fd).Msg("deregistration failed")
	}
	if ctx.Events.Has(api.EventRead) {
		io.triggerLocked(ctx, api.EventRead)
	}
	if ctx.Events.Has(api.EventWrite) {
		io.triggerLocked(ctx, api.EventWrite)
	}
}

// updateRegistration narrows the kernel interest set to left.
func (io *IOManager) updateRegistration(fd int, left api.Event) {
	var err error
	if left != api.EventNone {
		err = io.demux.Mod(fd, left)
	} else {
		err = io.demux.Del(fd)
	}
	if err != nil {
		io.log.Warn().Err(err).Int("fd", fd).Msg("registration update failed")
	}
}

// triggerLocked clears the event bit and schedules the slot's party on
// its recorded scheduler. The party is queued, never invoked inline.
// Caller holds ctx.Mu.
func (io *IOManager) triggerLocked(ctx *fdctx.FdContext, event api.Event) {
	slot := ctx.Slot(event)
	if !slot.Armed() {
		panic(fmt.Sprintf("iosched: trigger on empty slot fd=%d event=%s", ctx.FD(), event))
	}
	ctx.Events &^= event
	sched := slot.Scheduler
	if slot.Fn != nil {
		fn := slot.Fn
		_ = sched.Post(fn, scheduler.AnyWorker)
	} else {
		_ = sched.Dispatch(slot.Fiber, scheduler.AnyWorker)
	}
	slot.Clear()
	io.pending.Add(-1)
	if io.cfg.EnableMetrics {
		io.metrics.Add("io.events_dispatched", 1)
	}
}

// tickle wakes a reactor wait when some worker is parked in it.
func (io *IOManager) tickle() {
	if !io.HasIdle() {
		return
	}
	if err := io.notifier.Notify(); err != nil {
		io.log.Warn().Err(err).Msg("wakeup write failed")
	}
	if io.cfg.EnableMetrics {
		io.metrics.Add("io.tickles", 1)
	}
}

// stopping extends the scheduler predicate: the manager only stops once
// no event slot is armed and no timer is scheduled.
func (io *IOManager) stopping() bool {
	return io.BaseStopping() && io.pending.Load() == 0 && !io.HasAny()
}

// idleWait is one reactor iteration: wait for readiness bounded by the
// next timer deadline and the poll ceiling, fire due timers, dispatch
// ready descriptors, then return so the idle fiber yields back to the
// scheduler loop.
func (io *IOManager) idleWait() {
	sc := io.scratch.Get()
	defer io.scratch.Put(sc)

	var n int
	for {
		timeoutMs := io.cfg.PollCeilingMs
		if next := io.Next(); next != timer.Infinite && next < uint64(timeoutMs) {
			timeoutMs = int(next)
		}
		var err error
		n, err = io.demux.Wait(sc.ready, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			io.log.Error().Err(err).Msg("reactor wait failed")
			return
		}
		break
	}

	// Due timers first: batch the drained callables through the ring,
	// then hand them to the workers.
	sc.expired = io.DrainExpired(sc.expired[:0])
	for _, cb := range sc.expired {
		if !sc.cbRing.Enqueue(cb) {
			io.flushCallables(sc.cbRing)
			sc.cbRing.Enqueue(cb)
		}
	}
	io.flushCallables(sc.cbRing)
	if io.cfg.EnableMetrics && len(sc.expired) > 0 {
		io.metrics.Add("io.timers_fired", int64(len(sc.expired)))
	}

	for i := 0; i < n; i++ {
		ev := sc.ready[i]
		if ev.FD == io.notifier.FD() {
			if err := io.notifier.Drain(); err != nil {
				io.log.Warn().Err(err).Msg("wakeup drain failed")
			}
			continue
		}
		ctx := io.store.Get(ev.FD, false)
		if ctx == nil {
			continue
		}
		ctx.Mu.Lock()
		var real api.Event
		if ev.ErrHup {
			real |= ctx.Events & (api.EventRead | api.EventWrite)
		}
		real |= ev.Events
		real &= ctx.Events
		if real == api.EventNone {
			ctx.Mu.Unlock()
			continue
		}
		io.updateRegistration(ev.FD, ctx.Events&^real)
		if real.Has(api.EventRead) {
			io.triggerLocked(ctx, api.EventRead)
		}
		if real.Has(api.EventWrite) {
			io.triggerLocked(ctx, api.EventWrite)
		}
		ctx.Mu.Unlock()
	}
}

// flushCallables drains a callable ring into the run queue.
func (io *IOManager) flushCallables(ring *pool.RingBuffer[func()]) {
	for {
		cb, ok := ring.Dequeue()
		if !ok {
			return
		}
		_ = io.Post(cb, scheduler.AnyWorker)
	}
}

// Close stops the scheduler and releases both descriptors. Idempotent;
// safe to call after an explicit Stop.
func (io *IOManager) Close() {
	if !io.closed.CompareAndSwap(false, true) {
		return
	}
	io.Stop()
	if err := io.demux.Close(); err != nil {
		io.log.Warn().Err(err).Msg("demux close failed")
	}
	if err := io.notifier.Close(); err != nil {
		io.log.Warn().Err(err).Msg("notifier close failed")
	}
}
