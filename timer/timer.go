// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package timer implements the ordered deadline set behind the reactor:
// one-shot, recurring and conditional timers with an O(log n) heap,
// head-insertion signaling for the poll loop, and wall-clock rollover
// detection.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// Infinite is the Next() sentinel for an empty timer set.
const Infinite = ^uint64(0)

// rolloverThreshold is the backward clock jump treated as a rollover.
const rolloverThreshold = time.Hour

// Sentinel is the liveness anchor of a conditional timer. The timer
// holds it weakly; when the last strong reference is dropped the
// callable is skipped at fire time. The padding keeps the object out of
// the runtime's tiny-allocation blocks, so each sentinel is a separate
// allocation and its weak reference clears as soon as it is unreachable.
type Sentinel struct {
	_ [16]byte
}

// NewSentinel allocates a sentinel object.
func NewSentinel() *Sentinel { return &Sentinel{} }

// Timer is a handle to one scheduled deadline.
type Timer struct {
	mgr       *Manager
	periodMs  uint64
	next      time.Time
	recurring bool
	cb        func()
	seq       uint64
	idx       int
}

// Manager is the ordered timer set.
type Manager struct {
	mu      sync.Mutex
	timers  timerHeap
	seq     uint64
	tickled bool
	onFront func()
	prev    time.Time
	clock   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall-clock source; used to exercise rollover
// handling deterministically.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates an empty timer set.
func NewManager(opts ...Option) *Manager {
	m := &Manager{clock: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.prev = m.clock()
	return m
}

// SetOnFrontInserted installs the hook invoked when an insertion lands
// at the head of the set. The reactor uses it to re-evaluate its poll
// timeout. At most one invocation occurs between Next() queries.
func (m *Manager) SetOnFrontInserted(fn func()) {
	m.mu.Lock()
	m.onFront = fn
	m.mu.Unlock()
}

// Add schedules cb to run after ms milliseconds. Recurring timers
// re-arm themselves on every drain.
func (m *Manager) Add(ms uint64, cb func(), recurring bool) *Timer {
	m.mu.Lock()
	t := &Timer{
		mgr:       m,
		periodMs:  ms,
		recurring: recurring,
		cb:        cb,
		next:      m.clock().Add(time.Duration(ms) * time.Millisecond),
	}
	front := m.insertLocked(t)
	fn := m.onFront
	m.mu.Unlock()
	if front && fn != nil {
		fn()
	}
	return t
}

// AddConditional schedules cb guarded by sentinel: if the sentinel has
// been released by fire time, the body is skipped.
func (m *Manager) AddConditional(ms uint64, cb func(), sentinel *Sentinel, recurring bool) *Timer {
	wp := weak.Make(sentinel)
	return m.Add(ms, func() {
		if wp.Value() != nil {
			cb()
		}
	}, recurring)
}

// Next returns the milliseconds until the earliest deadline, 0 when one
// is already due, or Infinite when the set is empty. It also clears the
// head-insertion signal so a later head insertion fires the hook again.
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if m.timers.Len() == 0 {
		return Infinite
	}
	now := m.clock()
	next := m.timers[0].next
	if !next.After(now) {
		return 0
	}
	return uint64(next.Sub(now) / time.Millisecond)
}

// HasAny reports whether any timer is scheduled.
func (m *Manager) HasAny() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.Len() > 0
}

// DrainExpired appends the callables of all due timers to out and
// returns the extended slice. Recurring timers are re-armed from the
// drain-time clock, so a slow callback delays the next fire rather than
// bunching. A backward clock jump past the rollover threshold expires
// every timer, preserving liveness under manual clock changes.
func (m *Manager) DrainExpired(out []func()) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	rollover := m.detectRolloverLocked(now)
	if m.timers.Len() == 0 {
		return out
	}
	if !rollover && m.timers[0].next.After(now) {
		return out
	}
	var expired []*Timer
	for m.timers.Len() > 0 {
		t := m.timers[0]
		if !rollover && t.next.After(now) {
			break
		}
		heap.Pop(&m.timers)
		expired = append(expired, t)
	}
	for _, t := range expired {
		if t.cb == nil {
			continue
		}
		out = append(out, t.cb)
		if t.recurring {
			t.next = now.Add(time.Duration(t.periodMs) * time.Millisecond)
			m.insertLocked(t)
		} else {
			t.cb = nil
		}
	}
	return out
}

// detectRolloverLocked updates the previous-observation stamp and
// reports whether the clock jumped backwards past the threshold.
func (m *Manager) detectRolloverLocked(now time.Time) bool {
	rollover := now.Before(m.prev.Add(-rolloverThreshold))
	m.prev = now
	return rollover
}

// insertLocked pushes t and reports whether the insertion landed at the
// head while no head signal is pending.
func (m *Manager) insertLocked(t *Timer) bool {
	m.seq++
	t.seq = m.seq
	heap.Push(&m.timers, t)
	if t.idx == 0 && !m.tickled {
		m.tickled = true
		return true
	}
	return false
}

// Cancel removes the timer and clears its callable. Returns false when
// the timer already fired or was already cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.idx >= 0 {
		heap.Remove(&m.timers, t.idx)
	}
	return true
}

// Refresh pushes the deadline to now + period. Returns false when the
// timer is no longer scheduled.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.idx < 0 {
		return false
	}
	heap.Remove(&m.timers, t.idx)
	t.next = m.clock().Add(time.Duration(t.periodMs) * time.Millisecond)
	m.insertLocked(t)
	return true
}

// Reset changes the period. With fromNow the new deadline is measured
// from the current clock, otherwise from the timer's original base.
// Returns false when the timer is no longer scheduled.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	if t.cb == nil || t.idx < 0 {
		m.mu.Unlock()
		return false
	}
	if ms == t.periodMs && !fromNow {
		m.mu.Unlock()
		return true
	}
	heap.Remove(&m.timers, t.idx)
	base := t.next.Add(-time.Duration(t.periodMs) * time.Millisecond)
	if fromNow {
		base = m.clock()
	}
	t.periodMs = ms
	t.next = base.Add(time.Duration(ms) * time.Millisecond)
	front := m.insertLocked(t)
	fn := m.onFront
	m.mu.Unlock()
	if front && fn != nil {
		fn()
	}
	return true
}

// timerHeap orders timers by deadline, ties broken by insertion
// sequence so ordering is stable.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].seq < h[j].seq
	}
	return h[i].next.Before(h[j].next)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}
