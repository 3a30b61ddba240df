// File: internal/concurrency/gls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine-local storage. The runtime needs "current fiber", "root
// fiber", "scheduler fiber", "current scheduler" and the hook-enable
// flag to be per execution flow; every fiber runs on its own goroutine,
// so the goroutine id is the natural key. Slots are sharded to keep the
// lookup off a single lock.

package concurrency

import (
	"runtime"
	"strconv"
	"sync"
)

const glsShards = 64

// Slot carries the per-goroutine runtime state. The fiber and scheduler
// fields are held as any to keep this package a leaf.
type Slot struct {
	Fiber       any
	Root        any
	SchedFiber  any
	Scheduler   any
	Worker      int
	HookEnabled bool
}

type glsShard struct {
	mu sync.RWMutex
	m  map[uint64]*Slot
}

var gls [glsShards]glsShard

func init() {
	for i := range gls {
		gls[i].m = make(map[uint64]*Slot)
	}
}

// GoID returns the current goroutine id, parsed from the runtime stack
// header ("goroutine N [running]:").
func GoID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := buf[len("goroutine "):n]
	for i, c := range s {
		if c == ' ' {
			id, _ := strconv.ParseUint(string(s[:i]), 10, 64)
			return id
		}
	}
	return 0
}

// CurrentSlot returns the slot of the calling goroutine, creating it on
// first access.
func CurrentSlot() *Slot {
	id := GoID()
	sh := &gls[id%glsShards]
	sh.mu.RLock()
	s := sh.m[id]
	sh.mu.RUnlock()
	if s != nil {
		return s
	}
	sh.mu.Lock()
	if s = sh.m[id]; s == nil {
		s = &Slot{Worker: -1}
		sh.m[id] = s
	}
	sh.mu.Unlock()
	return s
}

// PeekSlot returns the slot of the calling goroutine or nil.
func PeekSlot() *Slot {
	id := GoID()
	sh := &gls[id%glsShards]
	sh.mu.RLock()
	s := sh.m[id]
	sh.mu.RUnlock()
	return s
}

// ClearSlot drops the slot of the calling goroutine. Workers call this
// on exit so the map does not accumulate dead entries.
func ClearSlot() {
	id := GoID()
	sh := &gls[id%glsShards]
	sh.mu.Lock()
	delete(sh.m, id)
	sh.mu.Unlock()
}
