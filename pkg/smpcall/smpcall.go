// Copyright 2018 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package smpcall implements the cross-CPU notification primitive used to
// rendezvous vCPUs with completed I/O: a broadcast-one-callback-to-a-CPU-mask
// call built on a single reserved notification vector, grounded on the
// teacher's vCPU.bounce()/Tgkill kick mechanism in
// pkg/sentry/platform/kvm/machine.go, generalized from "kick one vCPU out
// of guest mode" to "kick a mask of physical CPUs and run a callback on
// each".
package smpcall

import (
	"errors"
	"runtime"
	"sync"

	"github.com/karthikatintc/acrn-hypervisor/pkg/atomicbitops"
	"github.com/karthikatintc/acrn-hypervisor/pkg/hvlog"
)

// ErrBusy is returned by SetupNotification when the notification vector is
// already registered.
var ErrBusy = errors.New("smpcall: notification vector already allocated")

// sentinelBit is the reserved "invalid CPU" bit cleared from every mask
// before use, mirroring the sanitization step against ACRN's
// INVALID_BIT_INDEX sentinel (the value ffs64 returns when no bit is set).
const sentinelBit = uint64(1) << 63

// CallFunc is a callback delivered to exactly one physical CPU by SMPCall.
type CallFunc func(ctx any)

type callSlot struct {
	fn  CallFunc
	ctx any
}

// PhysicalCPU is one node in a Notifier's CPU mask: a physical CPU that can
// be named in an SMPCall mask, and can host at most one pending callback at
// a time.
type PhysicalCPU struct {
	id     int
	active atomicbitops.Bool
	mask   *atomicbitops.Uint64

	mu   sync.Mutex
	slot callSlot

	kicks chan struct{}
	done  chan struct{}
}

// ID returns the physical CPU id.
func (c *PhysicalCPU) ID() int { return c.id }

// kickNotification is the ISR body: test our own bit in mask; if set, run
// the queued callback and clear the bit. If our bit is already clear, the
// kick is treated as a pure wake-up with no callback to run — this is what
// lets SMPCall use the same delivery path to simply "kick a CPU out of a
// blocking wait" with no work attached.
func (c *PhysicalCPU) kickNotification(mask *atomicbitops.Uint64) {
	bit := uint64(1) << uint(c.id)
	if mask.Load()&bit == 0 {
		return
	}
	c.mu.Lock()
	slot := c.slot
	c.slot = callSlot{}
	c.mu.Unlock()

	if slot.fn != nil {
		slot.fn(slot.ctx)
	}
	mask.And(^bit)
}

func (c *PhysicalCPU) run() {
	for {
		select {
		case <-c.kicks:
			c.kickNotification(c.mask)
		case <-c.done:
			return
		}
	}
}

// Notifier owns the global smp_call_mask and the set of registered
// physical CPUs. There is exactly one Notifier per hypervisor instance,
// matching the single system-wide notification vector.
type Notifier struct {
	mask atomicbitops.Uint64

	cpuMu sync.RWMutex
	cpus  map[int]*PhysicalCPU

	setupMu    sync.Mutex
	registered bool
}

// NewNotifier constructs an empty Notifier. Physical CPUs must be added
// with AddCPU before they can be named in an SMPCall mask.
func NewNotifier() *Notifier {
	return &Notifier{cpus: make(map[int]*PhysicalCPU)}
}

// AddCPU registers physical CPU id as active and starts its notification
// loop. It corresponds to a CPU joining pcpu_active_bitmap.
func (n *Notifier) AddCPU(id int) *PhysicalCPU {
	c := &PhysicalCPU{id: id, kicks: make(chan struct{}, 1), done: make(chan struct{})}
	c.active.Store(true)
	c.mask = &n.mask

	n.cpuMu.Lock()
	n.cpus[id] = c
	n.cpuMu.Unlock()

	go c.run()
	return c
}

// RemoveCPU marks a physical CPU inactive and stops its notification loop.
// A CPU named in a mask after removal is treated exactly like one that was
// never active: SMPCall logs a diagnostic and clears its bit without
// waiting for it.
func (n *Notifier) RemoveCPU(id int) {
	n.cpuMu.Lock()
	c, ok := n.cpus[id]
	if ok {
		delete(n.cpus, id)
	}
	n.cpuMu.Unlock()
	if ok {
		c.active.Store(false)
		close(c.done)
	}
}

// SetupNotification registers the notification ISR. Only cpuID 0 performs
// registration, matching "VM0 will register all CPUs"; calls from any
// other cpuID are a silent no-op. A second call from cpuID 0 fails with
// ErrBusy.
func (n *Notifier) SetupNotification(cpuID int) error {
	if cpuID != 0 {
		return nil
	}
	n.setupMu.Lock()
	defer n.setupMu.Unlock()
	if n.registered {
		hvlog.Infof("smpcall: notification vector already allocated on this CPU")
		return ErrBusy
	}
	n.registered = true
	return nil
}

// SMPCall delivers fn(ctx) exactly once on every active physical CPU named
// in mask, synchronously: SMPCall does not return until every recipient
// has run the callback (or been dropped from the mask for being inactive).
//
// SMPCall must not be called recursively, nor from within a callback it
// dispatched, nor from a physical CPU that is itself in mask while that
// CPU cannot service its own kick (e.g. with interrupts disabled) — the
// call would deadlock waiting on its own bit. These are the same
// constraints the teacher's bounce()/BounceToKernel carry.
func (n *Notifier) SMPCall(mask uint64, fn CallFunc, ctx any) {
	mask &^= sentinelBit

	for !n.mask.CompareAndSwap(0, mask) {
		runtime.Gosched()
	}

	remaining := mask
	n.cpuMu.RLock()
	for id := 0; id < 64; id++ {
		bit := uint64(1) << uint(id)
		if mask&bit == 0 {
			continue
		}
		c, ok := n.cpus[id]
		if !ok || !c.active.Load() {
			hvlog.Warningf("smpcall: pcpu %d not active", id)
			n.mask.And(^bit)
			remaining &^= bit
			continue
		}
		c.mu.Lock()
		c.slot = callSlot{fn: fn, ctx: ctx}
		c.mu.Unlock()
	}
	n.cpuMu.RUnlock()

	n.sendNotification(remaining)

	for n.mask.Load() != 0 {
		runtime.Gosched()
	}
}

// sendNotification is the logical-destination IPI broadcast: it kicks
// every physical CPU named in mask so each re-enters kickNotification.
// The default delivery is an in-process channel post; a deployment
// modeling real physical CPUs as pinned OS threads would instead issue a
// real interrupt (e.g. unix.Tgkill with a dedicated realtime signal, as
// the teacher's vCPU.bounce does) to the thread hosting that CPU's guest
// loop.
func (n *Notifier) sendNotification(mask uint64) {
	n.cpuMu.RLock()
	defer n.cpuMu.RUnlock()
	for id := 0; id < 64; id++ {
		bit := uint64(1) << uint(id)
		if mask&bit == 0 {
			continue
		}
		c, ok := n.cpus[id]
		if !ok {
			continue
		}
		select {
		case c.kicks <- struct{}{}:
		default:
			// A kick is already pending for this CPU; it will observe
			// the current mask when it runs, so this is not lost.
		}
	}
}
